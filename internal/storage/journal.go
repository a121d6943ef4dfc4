package storage

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/pierrec/lz4/v4"

	"github.com/KilimcininKorOglu/dirmgr/internal/crypto"
	"github.com/KilimcininKorOglu/dirmgr/internal/logging"
	"github.com/KilimcininKorOglu/dirmgr/internal/metrics"
	"github.com/KilimcininKorOglu/dirmgr/internal/object"
)

// Journal constants.
const (
	// JournalMagic opens every journal file.
	JournalMagic = "DMJL"

	// JournalVersion is the current journal format version.
	JournalVersion uint32 = 1

	// journalHeaderSize is magic plus version.
	journalHeaderSize = 8

	// recordLengthSize is the size of the length prefix of each record.
	recordLengthSize = 4

	// recordHeaderSize is the fixed part of a record body.
	// Layout:
	//   - Bytes 0-7:   Seq (uint64)
	//   - Byte 8:      Flags (uint8)
	//   - Bytes 9-12:  RawLen (uint32, payload size before compression)
	//                  and encryption)
	//   - Bytes 13-20: Checksum (uint64, xxhash of bytes 0-12 and payload)
	recordHeaderSize = 21

	// MaxRecordSize bounds a single record body.
	MaxRecordSize = 64 << 20

	// DefaultCompressThreshold is the payload size above which records are
	// lz4 compressed.
	DefaultCompressThreshold = 4096
)

// Record flags.
const (
	flagLZ4    byte = 1 << 0
	flagSealed byte = 1 << 1
)

// Journal errors.
var (
	ErrJournalClosed    = errors.New("journal is closed")
	ErrJournalCorrupted = errors.New("journal is corrupted")
	ErrJournalMagic     = errors.New("not a journal file")
	ErrJournalVersion   = errors.New("unsupported journal version")
	ErrRecordTooLarge   = errors.New("journal record too large")
	ErrRecordChecksum   = errors.New("journal record checksum mismatch")
	ErrJournalSealed    = errors.New("journal is encrypted and no key is configured")
)

// JournalOptions configures a journal.
type JournalOptions struct {
	// SyncOnAppend fsyncs after every append. Disabling it trades
	// durability of the last commits for throughput.
	SyncOnAppend bool

	// CompressThreshold is the payload size above which records are lz4
	// compressed (0 = DefaultCompressThreshold, negative = never).
	CompressThreshold int

	// Key, if set, encrypts every record appended from now on. Records
	// written without a key stay readable.
	Key *crypto.Key

	Logger logging.Logger
}

// Journal is the append-only log of committed deltas. Every entry carries
// a sequence number one greater than the entry before it.
type Journal struct {
	mu      sync.Mutex
	file    *os.File
	path    string
	size    int64
	lastSeq uint64
	count   int
	closed  bool

	syncOnAppend      bool
	compressThreshold int
	key               *crypto.Key
	logger            logging.Logger
}

// OpenJournal opens or creates the journal at path. A torn or corrupt tail
// left by a crash is cut off.
func OpenJournal(path string, opts JournalOptions) (*Journal, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}

	j := &Journal{
		file:              file,
		path:              path,
		syncOnAppend:      opts.SyncOnAppend,
		compressThreshold: opts.CompressThreshold,
		key:               opts.Key,
		logger:            opts.Logger,
	}
	if j.compressThreshold == 0 {
		j.compressThreshold = DefaultCompressThreshold
	}
	if j.logger == nil {
		j.logger = logging.NewNop()
	}

	if err := j.recover(); err != nil {
		file.Close()
		return nil, err
	}
	metrics.GaugeJournalEntries.Set(float64(j.count))
	return j, nil
}

// recover validates the header and every record, then truncates the file
// after the last good record.
func (j *Journal) recover() error {
	info, err := j.file.Stat()
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		return j.writeHeader()
	}

	offset, err := j.scan(func(*object.Delta) error { return nil })
	if err != nil {
		return err
	}

	if offset < info.Size() {
		j.logger.Warn("truncating journal tail", "path", j.path, "offset", offset, "size", info.Size())
		if err := j.file.Truncate(offset); err != nil {
			return err
		}
		if err := j.file.Sync(); err != nil {
			return err
		}
	}
	j.size = offset
	_, err = j.file.Seek(offset, io.SeekStart)
	return err
}

func (j *Journal) writeHeader() error {
	var hdr [journalHeaderSize]byte
	copy(hdr[:4], JournalMagic)
	binary.LittleEndian.PutUint32(hdr[4:8], JournalVersion)
	if _, err := j.file.WriteAt(hdr[:], 0); err != nil {
		return err
	}
	if err := j.file.Sync(); err != nil {
		return err
	}
	j.size = journalHeaderSize
	_, err := j.file.Seek(journalHeaderSize, io.SeekStart)
	return err
}

// scan reads every valid record in file order, calls fn for each, and
// returns the offset just past the last valid record. Callers hold j.mu
// or have exclusive access.
func (j *Journal) scan(fn func(*object.Delta) error) (int64, error) {
	r := bufio.NewReaderSize(io.NewSectionReader(j.file, 0, 1<<62), 64*1024)

	var hdr [journalHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, ErrJournalMagic
	}
	if string(hdr[:4]) != JournalMagic {
		return 0, ErrJournalMagic
	}
	if v := binary.LittleEndian.Uint32(hdr[4:8]); v != JournalVersion {
		return 0, ErrJournalVersion
	}

	offset := int64(journalHeaderSize)
	var lengthBuf [recordLengthSize]byte
	j.lastSeq, j.count = 0, 0
	for {
		if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
			break
		}
		recordLen := binary.LittleEndian.Uint32(lengthBuf[:])
		if recordLen < recordHeaderSize || recordLen > MaxRecordSize {
			break
		}
		body := make([]byte, recordLen)
		if _, err := io.ReadFull(r, body); err != nil {
			break
		}
		d, err := decodeRecord(body, j.key)
		if err != nil {
			if errors.Is(err, ErrJournalSealed) || errors.Is(err, crypto.ErrOpenFailed) {
				// The record is intact; only the key is wrong.
				return 0, err
			}
			break
		}
		if j.lastSeq != 0 && d.Seq != j.lastSeq+1 {
			j.logger.Warn("journal sequence gap", "after", j.lastSeq, "got", d.Seq)
			break
		}
		if err := fn(d); err != nil {
			return 0, err
		}
		j.lastSeq = d.Seq
		j.count++
		offset += recordLengthSize + int64(recordLen)
	}
	return offset, nil
}

// encodeRecord builds the length-prefixed record of d.
func (j *Journal) encodeRecord(d *object.Delta) ([]byte, error) {
	payload := EncodeDelta(d)
	rawLen := len(payload)
	var flags byte

	if j.compressThreshold > 0 && rawLen > j.compressThreshold {
		compressed := make([]byte, lz4.CompressBlockBound(rawLen))
		n, err := lz4.CompressBlock(payload, compressed, nil)
		if err != nil {
			return nil, err
		}
		if n > 0 && n < rawLen {
			payload = compressed[:n]
			flags |= flagLZ4
		}
	}

	if j.key != nil {
		sealed, err := j.key.Seal(payload, sealAD(d.Seq))
		if err != nil {
			return nil, err
		}
		payload = sealed
		flags |= flagSealed
	}

	bodyLen := recordHeaderSize + len(payload)
	if bodyLen > MaxRecordSize {
		return nil, ErrRecordTooLarge
	}
	buf := make([]byte, recordLengthSize+bodyLen)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(bodyLen))
	body := buf[recordLengthSize:]
	binary.LittleEndian.PutUint64(body[0:8], d.Seq)
	body[8] = flags
	binary.LittleEndian.PutUint32(body[9:13], uint32(rawLen))
	copy(body[recordHeaderSize:], payload)
	binary.LittleEndian.PutUint64(body[13:21], recordChecksum(body))
	return buf, nil
}

func recordChecksum(body []byte) uint64 {
	h := xxhash.New()
	h.Write(body[0:13])
	h.Write(body[recordHeaderSize:])
	return h.Sum64()
}

// sealAD binds a sealed payload to its sequence number.
func sealAD(seq uint64) []byte {
	var ad [8]byte
	binary.LittleEndian.PutUint64(ad[:], seq)
	return ad[:]
}

// decodeRecord verifies and decodes one record body. key may be nil when
// no record is sealed.
func decodeRecord(body []byte, key *crypto.Key) (*object.Delta, error) {
	if binary.LittleEndian.Uint64(body[13:21]) != recordChecksum(body) {
		return nil, ErrRecordChecksum
	}
	seq := binary.LittleEndian.Uint64(body[0:8])
	flags := body[8]
	rawLen := binary.LittleEndian.Uint32(body[9:13])
	payload := body[recordHeaderSize:]

	if flags&flagSealed != 0 {
		if key == nil {
			return nil, ErrJournalSealed
		}
		plain, err := key.Open(payload, sealAD(seq))
		if err != nil {
			return nil, err
		}
		payload = plain
	}

	if flags&flagLZ4 != 0 {
		if rawLen > MaxRecordSize {
			return nil, ErrJournalCorrupted
		}
		raw := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(payload, raw)
		if err != nil || n != int(rawLen) {
			return nil, ErrJournalCorrupted
		}
		payload = raw
	}

	d, err := DecodeDelta(payload)
	if err != nil {
		return nil, err
	}
	if d.Seq != seq {
		return nil, ErrJournalCorrupted
	}
	return d, nil
}

// Append assigns d the next sequence number and writes it durably. On
// failure the journal is rolled back to its previous length and d.Seq is
// left unchanged.
func (j *Journal) Append(d *object.Delta) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return 0, ErrJournalClosed
	}

	prevSeq := d.Seq
	d.Seq = j.lastSeq + 1
	buf, err := j.encodeRecord(d)
	if err != nil {
		d.Seq = prevSeq
		return 0, err
	}

	if _, err := j.file.WriteAt(buf, j.size); err != nil {
		d.Seq = prevSeq
		j.file.Truncate(j.size)
		return 0, err
	}
	if j.syncOnAppend {
		if err := j.file.Sync(); err != nil {
			d.Seq = prevSeq
			j.file.Truncate(j.size)
			return 0, err
		}
	}

	j.size += int64(len(buf))
	j.lastSeq = d.Seq
	j.count++
	metrics.CounterJournalBytes.Add(float64(len(buf)))
	metrics.GaugeJournalEntries.Set(float64(j.count))
	return d.Seq, nil
}

// Sync flushes the journal to stable storage.
func (j *Journal) Sync() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrJournalClosed
	}
	return j.file.Sync()
}

// Entries returns every entry with a sequence number above after, in
// order.
func (j *Journal) Entries(after uint64) ([]*object.Delta, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil, ErrJournalClosed
	}
	var out []*object.Delta
	lastSeq, count := j.lastSeq, j.count
	_, err := j.scan(func(d *object.Delta) error {
		if d.Seq > after {
			out = append(out, d)
		}
		return nil
	})
	j.lastSeq, j.count = lastSeq, count
	return out, err
}

// Truncate drops every entry with a sequence number at or below seq. The
// remaining entries are copied to a new file that replaces the journal
// atomically.
func (j *Journal) Truncate(seq uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrJournalClosed
	}

	tmpPath := j.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer os.Remove(tmpPath)

	var hdr [journalHeaderSize]byte
	copy(hdr[:4], JournalMagic)
	binary.LittleEndian.PutUint32(hdr[4:8], JournalVersion)
	w := bufio.NewWriter(tmp)
	w.Write(hdr[:])

	size := int64(journalHeaderSize)
	kept := 0
	lastSeq, count := j.lastSeq, j.count
	_, err = j.scan(func(d *object.Delta) error {
		if d.Seq <= seq {
			return nil
		}
		buf, err := j.encodeRecord(d)
		if err != nil {
			return err
		}
		if _, err := w.Write(buf); err != nil {
			return err
		}
		size += int64(len(buf))
		kept++
		return nil
	})
	j.lastSeq, j.count = lastSeq, count
	if err == nil {
		err = w.Flush()
	}
	if err == nil {
		err = tmp.Sync()
	}
	if err != nil {
		tmp.Close()
		return err
	}

	if err := os.Rename(tmpPath, j.path); err != nil {
		tmp.Close()
		return err
	}
	syncDir(filepath.Dir(j.path))

	j.file.Close()
	j.file = tmp
	j.size = size
	j.count = kept
	metrics.GaugeJournalEntries.Set(float64(kept))
	return nil
}

// EnsureSeq raises the sequence counter so the next entry is numbered
// above seq. Used after loading a dump whose watermark is ahead of an
// empty journal.
func (j *Journal) EnsureSeq(seq uint64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if seq > j.lastSeq {
		j.lastSeq = seq
	}
}

// LastSeq returns the sequence number of the last entry.
func (j *Journal) LastSeq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastSeq
}

// Len returns the number of entries in the journal.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.count
}

// Size returns the journal file size in bytes.
func (j *Journal) Size() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.size
}

// Path returns the journal file path.
func (j *Journal) Path() string {
	return j.path
}

// Close syncs and closes the journal.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true
	if err := j.file.Sync(); err != nil {
		j.file.Close()
		return err
	}
	return j.file.Close()
}

// syncDir fsyncs a directory so a rename in it is durable.
func syncDir(dir string) {
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
}
