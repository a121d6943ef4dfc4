package storage

import (
	"encoding/binary"
	"errors"
	"net/netip"
	"sort"
	"time"

	"github.com/KilimcininKorOglu/dirmgr/internal/object"
)

// Codec errors.
var (
	ErrShortBuffer  = errors.New("buffer too short")
	ErrInvalidValue = errors.New("invalid encoded value")
)

// encoder appends the binary form of model values to a buffer. Integers
// are varint encoded; strings and byte slices are length-prefixed.
type encoder struct {
	buf []byte
}

func (e *encoder) uvarint(v uint64) { e.buf = binary.AppendUvarint(e.buf, v) }

func (e *encoder) varint(v int64) { e.buf = binary.AppendVarint(e.buf, v) }

func (e *encoder) byte(b byte) { e.buf = append(e.buf, b) }

func (e *encoder) bytes(b []byte) {
	e.uvarint(uint64(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *encoder) string(s string) {
	e.uvarint(uint64(len(s)))
	e.buf = append(e.buf, s...)
}

func (e *encoder) handle(h object.Handle) {
	e.uvarint(uint64(h.Type))
	e.uvarint(uint64(h.ID))
}

func (e *encoder) value(v object.Value) {
	e.byte(byte(v.Kind))
	switch v.Kind {
	case object.KindString, object.KindPassword:
		e.string(v.Str)
	case object.KindInt:
		e.varint(v.Int)
	case object.KindBool:
		if v.Bool {
			e.byte(1)
		} else {
			e.byte(0)
		}
	case object.KindDate:
		e.varint(v.Time.Unix())
	case object.KindRef:
		e.handle(v.Ref)
	case object.KindIP:
		b, _ := v.IP.MarshalBinary()
		e.bytes(b)
	case object.KindPerm:
		e.uvarint(uint64(len(v.Perm)))
		for _, p := range v.Perm {
			e.uvarint(uint64(p.Type))
			e.uvarint(uint64(p.Field))
			e.byte(byte(p.Bits))
		}
	}
}

// fields writes a field map in ascending field id order so equal maps
// encode identically.
func (e *encoder) fields(m map[object.FieldID][]object.Value) {
	ids := make([]object.FieldID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	e.uvarint(uint64(len(ids)))
	for _, id := range ids {
		vals := m[id]
		e.uvarint(uint64(id))
		e.uvarint(uint64(len(vals)))
		for _, v := range vals {
			e.value(v)
		}
	}
}

func (e *encoder) object(o *object.Object) {
	e.handle(o.Handle)
	e.varint(o.Modified.UnixNano())
	e.uvarint(o.Seq)
	e.fields(o.Fields)
}

func (e *encoder) delta(d *object.Delta) {
	e.uvarint(d.Seq)
	e.uvarint(d.TxID)
	e.string(d.Owner)
	e.string(d.Label)
	e.varint(d.Time.UnixNano())
	e.uvarint(uint64(len(d.Changes)))
	for _, c := range d.Changes {
		e.byte(byte(c.Op))
		e.handle(c.Handle)
		e.fields(c.Fields)
	}
}

// decoder reads what encoder wrote. The first failure sticks in err and
// turns every later read into a no-op.
type decoder struct {
	buf []byte
	off int
	err error
}

func (d *decoder) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

func (d *decoder) uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Uvarint(d.buf[d.off:])
	if n <= 0 {
		d.fail(ErrShortBuffer)
		return 0
	}
	d.off += n
	return v
}

func (d *decoder) varint() int64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Varint(d.buf[d.off:])
	if n <= 0 {
		d.fail(ErrShortBuffer)
		return 0
	}
	d.off += n
	return v
}

func (d *decoder) byte() byte {
	if d.err != nil {
		return 0
	}
	if d.off >= len(d.buf) {
		d.fail(ErrShortBuffer)
		return 0
	}
	b := d.buf[d.off]
	d.off++
	return b
}

func (d *decoder) bytes() []byte {
	n := d.uvarint()
	if d.err != nil {
		return nil
	}
	if uint64(len(d.buf)-d.off) < n {
		d.fail(ErrShortBuffer)
		return nil
	}
	b := d.buf[d.off : d.off+int(n)]
	d.off += int(n)
	return b
}

func (d *decoder) string() string {
	return string(d.bytes())
}

// count reads a length prefix and bounds it by the remaining input, so a
// corrupt prefix cannot trigger a huge allocation.
func (d *decoder) count() int {
	n := d.uvarint()
	if d.err == nil && n > uint64(len(d.buf)-d.off) {
		d.fail(ErrShortBuffer)
		return 0
	}
	return int(n)
}

func (d *decoder) handle() object.Handle {
	t := d.uvarint()
	id := d.uvarint()
	return object.Handle{Type: object.TypeID(t), ID: uint32(id)}
}

func (d *decoder) value() object.Value {
	kind := object.Kind(d.byte())
	switch kind {
	case object.KindString:
		return object.String(d.string())
	case object.KindPassword:
		return object.PasswordHash(d.string())
	case object.KindInt:
		return object.Int(d.varint())
	case object.KindBool:
		return object.Bool(d.byte() != 0)
	case object.KindDate:
		return object.Date(time.Unix(d.varint(), 0))
	case object.KindRef:
		return object.Ref(d.handle())
	case object.KindIP:
		var a netip.Addr
		if err := a.UnmarshalBinary(d.bytes()); err != nil {
			d.fail(ErrInvalidValue)
		}
		return object.IP(a)
	case object.KindPerm:
		n := d.count()
		rows := make([]object.PermEntry, 0, n)
		for i := 0; i < n && d.err == nil; i++ {
			t := d.uvarint()
			f := d.uvarint()
			b := d.byte()
			rows = append(rows, object.PermEntry{Type: object.TypeID(t), Field: object.FieldID(f), Bits: object.PermBits(b)})
		}
		return object.Perm(rows...)
	}
	d.fail(ErrInvalidValue)
	return object.Value{}
}

func (d *decoder) fields() map[object.FieldID][]object.Value {
	n := d.count()
	m := make(map[object.FieldID][]object.Value, n)
	for i := 0; i < n && d.err == nil; i++ {
		id := object.FieldID(d.uvarint())
		nv := d.count()
		vals := make([]object.Value, 0, nv)
		for j := 0; j < nv && d.err == nil; j++ {
			vals = append(vals, d.value())
		}
		m[id] = vals
	}
	return m
}

func (d *decoder) object() *object.Object {
	o := &object.Object{}
	o.Handle = d.handle()
	o.Modified = time.Unix(0, d.varint()).UTC()
	o.Seq = d.uvarint()
	o.Fields = d.fields()
	return o
}

func (d *decoder) delta() *object.Delta {
	out := &object.Delta{}
	out.Seq = d.uvarint()
	out.TxID = d.uvarint()
	out.Owner = d.string()
	out.Label = d.string()
	out.Time = time.Unix(0, d.varint()).UTC()
	n := d.count()
	out.Changes = make([]object.Change, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		var c object.Change
		c.Op = object.Op(d.byte())
		c.Handle = d.handle()
		c.Fields = d.fields()
		out.Changes = append(out.Changes, c)
	}
	return out
}

// EncodeDelta returns the binary form of a journal delta.
func EncodeDelta(d *object.Delta) []byte {
	var e encoder
	e.delta(d)
	return e.buf
}

// DecodeDelta parses a delta written by EncodeDelta.
func DecodeDelta(b []byte) (*object.Delta, error) {
	dec := decoder{buf: b}
	out := dec.delta()
	if dec.err != nil {
		return nil, dec.err
	}
	return out, nil
}

// EncodeObject returns the binary form of a committed object.
func EncodeObject(o *object.Object) []byte {
	var e encoder
	e.object(o)
	return e.buf
}

// DecodeObject parses an object written by EncodeObject.
func DecodeObject(b []byte) (*object.Object, error) {
	dec := decoder{buf: b}
	out := dec.object()
	if dec.err != nil {
		return nil, dec.err
	}
	return out, nil
}
