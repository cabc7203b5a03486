package classfile

import "github.com/coldvm/coldvm/internal/vmerr"

// reader decodes a classfile byte stream strictly sequentially, per
// spec.md §4.1's "Parsing is strictly sequential" rule. It keeps no
// lookahead; every u1/u2/u4 read advances the cursor and a short read is
// always a ClassFormatError.
type reader struct {
	buf []byte
	pos int
}

func newReader(buf []byte) *reader {
	return &reader{buf: buf}
}

func (r *reader) u1() (byte, error) {
	if r.pos+1 > len(r.buf) {
		return 0, vmerr.New(vmerr.ClassFormatError, "truncated class stream at offset %d", r.pos)
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

func (r *reader) u2() (uint16, error) {
	if r.pos+2 > len(r.buf) {
		return 0, vmerr.New(vmerr.ClassFormatError, "truncated class stream at offset %d", r.pos)
	}
	v := uint16(r.buf[r.pos])<<8 | uint16(r.buf[r.pos+1])
	r.pos += 2
	return v, nil
}

func (r *reader) u4() (uint32, error) {
	if r.pos+4 > len(r.buf) {
		return 0, vmerr.New(vmerr.ClassFormatError, "truncated class stream at offset %d", r.pos)
	}
	v := uint32(r.buf[r.pos])<<24 | uint32(r.buf[r.pos+1])<<16 | uint32(r.buf[r.pos+2])<<8 | uint32(r.buf[r.pos+3])
	r.pos += 4
	return v, nil
}

func (r *reader) bytes(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.buf) {
		return nil, vmerr.New(vmerr.ClassFormatError, "truncated class stream at offset %d", r.pos)
	}
	v := r.buf[r.pos : r.pos+n]
	r.pos += n
	return v, nil
}

// atEnd reports whether every byte of the stream has been consumed, used
// for the end-of-stream confirmation in spec.md §4.1 step 8.
func (r *reader) atEnd() bool { return r.pos == len(r.buf) }

func (r *reader) skip(n int) error {
	_, err := r.bytes(n)
	return err
}
