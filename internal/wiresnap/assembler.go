// Package wiresnap implements a byte-assembler for wire snapshots:
// reserve-space fields that get patched after the fact, zero-copy
// references to caller-owned byte slices, and nested sub-assemblers
// whose output splices into the parent at Finish time. All fields are
// little-endian.
package wiresnap

import "encoding/binary"

type segment struct {
	bytes []byte
	sub   *Assembler
}

// Assembler accumulates segments and concatenates them on Finish.
type Assembler struct {
	segs []segment
}

func New() *Assembler { return &Assembler{} }

// Reserve appends n zero bytes and returns a slice aliasing them in place,
// so the caller can patch the field (e.g. a length prefix) after later
// segments are appended, without a second serialization pass.
func (a *Assembler) Reserve(n int) []byte {
	b := make([]byte, n)
	a.segs = append(a.segs, segment{bytes: b})
	return b
}

// PutUint8 appends a single byte field.
func (a *Assembler) PutUint8(v uint8) { a.Reserve(1)[0] = v }

// PutUint32 appends a little-endian u32 field.
func (a *Assembler) PutUint32(v uint32) { binary.LittleEndian.PutUint32(a.Reserve(4), v) }

// PutBytesRef appends b by reference: no copy happens until Finish, so the
// caller must not mutate b until then.
func (a *Assembler) PutBytesRef(b []byte) { a.segs = append(a.segs, segment{bytes: b}) }

// Sub opens a nested sub-assembler; its Finish()'d bytes are spliced into
// the parent at this position when the parent is finished.
func (a *Assembler) Sub() *Assembler {
	sub := New()
	a.segs = append(a.segs, segment{sub: sub})
	return sub
}

// Len returns the total byte length that Finish would produce.
func (a *Assembler) Len() int {
	n := 0
	for _, s := range a.segs {
		if s.sub != nil {
			n += s.sub.Len()
		} else {
			n += len(s.bytes)
		}
	}
	return n
}

// Finish concatenates every segment, recursing into sub-assemblers.
func (a *Assembler) Finish() []byte {
	out := make([]byte, 0, a.Len())
	for _, s := range a.segs {
		if s.sub != nil {
			out = append(out, s.sub.Finish()...)
		} else {
			out = append(out, s.bytes...)
		}
	}
	return out
}

// Reader walks a buffer produced by Assembler.Finish.
type Reader struct {
	data []byte
	off  int
}

func NewReader(data []byte) *Reader { return &Reader{data: data} }

var errShortRead = errShort("wiresnap: short read")

type errShort string

func (e errShort) Error() string { return string(e) }

func (r *Reader) Uint8() (uint8, error) {
	if r.off+1 > len(r.data) {
		return 0, errShortRead
	}
	v := r.data[r.off]
	r.off++
	return v, nil
}

func (r *Reader) Uint32() (uint32, error) {
	if r.off+4 > len(r.data) {
		return 0, errShortRead
	}
	v := binary.LittleEndian.Uint32(r.data[r.off : r.off+4])
	r.off += 4
	return v, nil
}

func (r *Reader) Bytes(n int) ([]byte, error) {
	if r.off+n > len(r.data) {
		return nil, errShortRead
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b, nil
}
