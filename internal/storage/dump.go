package storage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"

	"github.com/KilimcininKorOglu/dirmgr/internal/crypto"
	"github.com/KilimcininKorOglu/dirmgr/internal/object"
	"github.com/KilimcininKorOglu/dirmgr/internal/schema"
	"github.com/KilimcininKorOglu/dirmgr/internal/store"
)

// Dump format constants.
const (
	// DumpMagic opens every dump file.
	DumpMagic = "DMDP"

	// DumpVersion is the current dump format version.
	DumpVersion uint32 = 1

	// DumpHeaderSize is the size of the dump header in bytes.
	DumpHeaderSize = 64
)

// Dump flags.
const (
	// DumpFlagCompressed indicates a zstd compressed body.
	DumpFlagCompressed uint32 = 1 << iota
	// DumpFlagSealed indicates an AES-GCM encrypted body.
	DumpFlagSealed
)

// Dump errors.
var (
	ErrDumpMagic          = errors.New("not a dump file")
	ErrDumpVersion        = errors.New("unsupported dump version")
	ErrDumpChecksum       = errors.New("dump checksum mismatch")
	ErrDumpCorrupted      = errors.New("dump file is corrupted")
	ErrDumpSchemaMismatch = errors.New("dump was written with a different schema")
	ErrDumpSealed         = errors.New("dump is encrypted and no key is configured")
)

// DumpHeader is the fixed header of a dump file.
// Layout (64 bytes):
//   - Bytes 0-3:   Magic ("DMDP")
//   - Bytes 4-7:   Version (uint32)
//   - Bytes 8-15:  Created (int64, Unix timestamp)
//   - Bytes 16-19: Flags (uint32)
//   - Bytes 20-23: TypeCount (uint32)
//   - Bytes 24-31: Watermark (uint64, last journal seq included)
//   - Bytes 32-39: ObjectCount (uint64)
//   - Bytes 40-47: BodyLength (uint64, stored size)
//   - Bytes 48-55: Checksum (uint64, xxhash of the stored body)
//   - Bytes 56-63: SchemaHash (uint64)
type DumpHeader struct {
	Version     uint32
	Created     time.Time
	Flags       uint32
	TypeCount   uint32
	Watermark   uint64
	ObjectCount uint64
	BodyLength  uint64
	Checksum    uint64
	SchemaHash  uint64
}

// IsCompressed returns true if the dump body is compressed.
func (h *DumpHeader) IsCompressed() bool {
	return h.Flags&DumpFlagCompressed != 0
}

// IsSealed returns true if the dump body is encrypted.
func (h *DumpHeader) IsSealed() bool {
	return h.Flags&DumpFlagSealed != 0
}

// sealedPrefix is the part of the header authenticated with a sealed
// body: everything before BodyLength.
const sealedPrefix = 40

// Serialize returns the binary form of the header.
func (h *DumpHeader) Serialize() []byte {
	buf := make([]byte, DumpHeaderSize)
	copy(buf[0:4], DumpMagic)
	binary.LittleEndian.PutUint32(buf[4:8], h.Version)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(h.Created.Unix()))
	binary.LittleEndian.PutUint32(buf[16:20], h.Flags)
	binary.LittleEndian.PutUint32(buf[20:24], h.TypeCount)
	binary.LittleEndian.PutUint64(buf[24:32], h.Watermark)
	binary.LittleEndian.PutUint64(buf[32:40], h.ObjectCount)
	binary.LittleEndian.PutUint64(buf[40:48], h.BodyLength)
	binary.LittleEndian.PutUint64(buf[48:56], h.Checksum)
	binary.LittleEndian.PutUint64(buf[56:64], h.SchemaHash)
	return buf
}

// Deserialize reads the header from buf.
func (h *DumpHeader) Deserialize(buf []byte) error {
	if len(buf) < DumpHeaderSize {
		return ErrDumpCorrupted
	}
	if string(buf[0:4]) != DumpMagic {
		return ErrDumpMagic
	}
	h.Version = binary.LittleEndian.Uint32(buf[4:8])
	if h.Version != DumpVersion {
		return ErrDumpVersion
	}
	h.Created = time.Unix(int64(binary.LittleEndian.Uint64(buf[8:16])), 0).UTC()
	h.Flags = binary.LittleEndian.Uint32(buf[16:20])
	h.TypeCount = binary.LittleEndian.Uint32(buf[20:24])
	h.Watermark = binary.LittleEndian.Uint64(buf[24:32])
	h.ObjectCount = binary.LittleEndian.Uint64(buf[32:40])
	h.BodyLength = binary.LittleEndian.Uint64(buf[40:48])
	h.Checksum = binary.LittleEndian.Uint64(buf[48:56])
	h.SchemaHash = binary.LittleEndian.Uint64(buf[56:64])
	return nil
}

// SchemaHash fingerprints the persistent shape of a schema: type ids and
// each field's id, kind and cardinality.
func SchemaHash(s *schema.Schema) uint64 {
	h := xxhash.New()
	var buf [8]byte
	for _, t := range s.Types() {
		binary.LittleEndian.PutUint16(buf[0:2], uint16(t.ID))
		h.Write(buf[0:2])
		for _, f := range t.Fields {
			binary.LittleEndian.PutUint16(buf[0:2], uint16(f.ID))
			buf[2] = byte(f.Kind)
			buf[3] = 0
			if f.Vector {
				buf[3] = 1
			}
			h.Write(buf[0:4])
		}
	}
	return h.Sum64()
}

// DumpOptions configures WriteDump.
type DumpOptions struct {
	// Compress stores the body zstd compressed.
	Compress bool
	// MakeBackup keeps the previous dump as <path>.bak.
	MakeBackup bool
	// ArchiveDir, if set, receives a zstd compressed timestamped copy of
	// the new dump.
	ArchiveDir string
	// Key, if set, encrypts the body after compression.
	Key *crypto.Key
}

// DumpInfo describes a written or read dump.
type DumpInfo struct {
	Path        string
	Watermark   uint64
	Objects     int
	Bytes       int64
	ArchivePath string
	Duration    time.Duration
}

// encodeTable writes the record table of one type: type id, object count
// and length-prefixed object records.
func encodeTable(snap *store.Snapshot, t object.TypeID) []byte {
	var e encoder
	e.uvarint(uint64(t))
	e.uvarint(uint64(snap.Len(t)))
	snap.Scan(t, func(obj *object.Object) bool {
		e.bytes(EncodeObject(obj))
		return true
	})
	return e.buf
}

// WriteDump writes snap to path. The dump is written to a temporary file,
// synced and renamed into place, so a failure leaves any previous dump
// untouched.
func WriteDump(path string, s *schema.Schema, snap *store.Snapshot, opts DumpOptions) (DumpInfo, error) {
	start := time.Now()
	info := DumpInfo{Path: path, Watermark: snap.Seq()}

	types := snap.Types()
	tables := make([][]byte, len(types))
	var g errgroup.Group
	for i, t := range types {
		i, t := i, t
		g.Go(func() error {
			tables[i] = encodeTable(snap, t)
			return nil
		})
	}
	g.Wait()

	var body []byte
	for i, t := range types {
		body = append(body, tables[i]...)
		info.Objects += snap.Len(t)
	}

	hdr := DumpHeader{
		Version:     DumpVersion,
		Created:     start,
		TypeCount:   uint32(len(types)),
		Watermark:   snap.Seq(),
		ObjectCount: uint64(info.Objects),
		SchemaHash:  SchemaHash(s),
	}
	if opts.Compress {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return info, err
		}
		body = enc.EncodeAll(body, nil)
		enc.Close()
		hdr.Flags |= DumpFlagCompressed
	}
	if opts.Key != nil {
		hdr.Flags |= DumpFlagSealed
		sealed, err := opts.Key.Seal(body, hdr.Serialize()[:sealedPrefix])
		if err != nil {
			return info, err
		}
		body = sealed
	}
	hdr.BodyLength = uint64(len(body))
	hdr.Checksum = xxhash.Sum64(body)

	tmpPath := path + ".tmp"
	if err := writeFileSync(tmpPath, hdr.Serialize(), body); err != nil {
		os.Remove(tmpPath)
		return info, err
	}

	if opts.MakeBackup {
		if err := backupDump(path); err != nil {
			os.Remove(tmpPath)
			return info, fmt.Errorf("backup dump: %w", err)
		}
	}
	if err := installDump(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return info, err
	}
	syncDir(filepath.Dir(path))
	info.Bytes = int64(DumpHeaderSize + len(body))

	if opts.ArchiveDir != "" {
		archivePath, err := archiveDump(path, opts.ArchiveDir, start)
		if err != nil {
			return info, fmt.Errorf("archive dump: %w", err)
		}
		info.ArchivePath = archivePath
	}

	info.Duration = time.Since(start)
	return info, nil
}

// installDump moves a finished dump into place.
var installDump = os.Rename

// backupDump makes path.bak a second name for the dump at path, copying
// when the filesystem cannot link. The dump at path is never moved, so a
// failed install still leaves it readable.
func backupDump(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	bak := path + ".bak"
	if err := os.Remove(bak); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Link(path, bak); err == nil {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := writeFileSync(bak, data); err != nil {
		os.Remove(bak)
		return err
	}
	return nil
}

func writeFileSync(path string, chunks ...[]byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	for _, c := range chunks {
		if _, err := f.Write(c); err != nil {
			f.Close()
			return err
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// archiveDump stores a zstd compressed copy of the dump at path in dir.
func archiveDump(path, dir string, at time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	src, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer src.Close()

	name := filepath.Base(path) + "." + at.UTC().Format("20060102T150405") + "." + strconv.FormatInt(at.UnixNano()%1e9, 10) + ".zst"
	dst := filepath.Join(dir, name)
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return "", err
	}

	enc, err := zstd.NewWriter(out)
	if err != nil {
		out.Close()
		return "", err
	}
	if _, err := io.Copy(enc, src); err != nil {
		enc.Close()
		out.Close()
		return "", err
	}
	if err := enc.Close(); err != nil {
		out.Close()
		return "", err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return "", err
	}
	return dst, out.Close()
}

// DumpContents is a decoded dump.
type DumpContents struct {
	Header  DumpHeader
	Objects []*object.Object
}

// ReadDump reads and verifies the dump at path. key is needed only for
// an encrypted dump.
func ReadDump(path string, s *schema.Schema, key *crypto.Key) (*DumpContents, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return decodeDump(bytes.NewReader(data), int64(len(data)), s, key)
}

// ReadArchive reads a zstd compressed archived dump.
func ReadArchive(path string, s *schema.Schema, key *crypto.Key) (*DumpContents, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	data, err := io.ReadAll(dec)
	if err != nil {
		return nil, err
	}
	return decodeDump(bytes.NewReader(data), int64(len(data)), s, key)
}

func decodeDump(r io.ReaderAt, size int64, s *schema.Schema, key *crypto.Key) (*DumpContents, error) {
	hdrBuf := make([]byte, DumpHeaderSize)
	if _, err := r.ReadAt(hdrBuf, 0); err != nil {
		return nil, ErrDumpCorrupted
	}
	var hdr DumpHeader
	if err := hdr.Deserialize(hdrBuf); err != nil {
		return nil, err
	}
	if hdr.SchemaHash != SchemaHash(s) {
		return nil, ErrDumpSchemaMismatch
	}
	if uint64(size-DumpHeaderSize) != hdr.BodyLength {
		return nil, ErrDumpCorrupted
	}

	body := make([]byte, hdr.BodyLength)
	if _, err := r.ReadAt(body, DumpHeaderSize); err != nil && err != io.EOF {
		return nil, ErrDumpCorrupted
	}
	if xxhash.Sum64(body) != hdr.Checksum {
		return nil, ErrDumpChecksum
	}
	if hdr.IsSealed() {
		if key == nil {
			return nil, ErrDumpSealed
		}
		plain, err := key.Open(body, hdrBuf[:sealedPrefix])
		if err != nil {
			return nil, err
		}
		body = plain
	}
	if hdr.IsCompressed() {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		body, err = dec.DecodeAll(body, nil)
		dec.Close()
		if err != nil {
			return nil, ErrDumpCorrupted
		}
	}

	out := &DumpContents{Header: hdr, Objects: make([]*object.Object, 0, hdr.ObjectCount)}
	d := decoder{buf: body}
	for i := uint32(0); i < hdr.TypeCount && d.err == nil; i++ {
		t := object.TypeID(d.uvarint())
		n := d.count()
		for j := 0; j < n && d.err == nil; j++ {
			obj, err := DecodeObject(d.bytes())
			if err != nil {
				return nil, ErrDumpCorrupted
			}
			if obj.Handle.Type != t {
				return nil, ErrDumpCorrupted
			}
			out.Objects = append(out.Objects, obj)
		}
	}
	if d.err != nil || d.off != len(body) || uint64(len(out.Objects)) != hdr.ObjectCount {
		return nil, ErrDumpCorrupted
	}
	return out, nil
}
