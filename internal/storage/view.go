// Package storage implements the random-access view abstraction the rest
// of the decoders are built on. Views compose: a raw file view, a CTR view,
// an XTS view, a sub-view window, and a zstd block-compressed view. Every
// view owns only its own crypto state; nested views hold a shared reference
// to the underlying byte source. Views have no Close method; whoever opened
// the byte source releases it.
package storage

import "io"

// View is the random-access byte source every decoder reads from, also
// implemented internally by the CTR/XTS/BKTR/zstd composing layers.
type View interface {
	// ReadAt reads len(p) bytes starting at the given offset relative to
	// this view's own origin. Short reads at EOF follow io.ReaderAt's
	// contract.
	ReadAt(p []byte, off int64) (int, error)
	// Size reports the logical length of this view.
	Size() int64
}

// ReaderAtView adapts any io.ReaderAt with a known size into a View.
type ReaderAtView struct {
	r    io.ReaderAt
	size int64
}

func NewReaderAtView(r io.ReaderAt, size int64) *ReaderAtView {
	return &ReaderAtView{r: r, size: size}
}

func (v *ReaderAtView) ReadAt(p []byte, off int64) (int, error) { return v.r.ReadAt(p, off) }
func (v *ReaderAtView) Size() int64                             { return v.size }

// SubView windows a View to [offset, offset+length), translating every
// read to the parent's coordinate space. This is the "offset+length
// window" view.
type SubView struct {
	parent       View
	offset, size int64
}

func NewSubView(parent View, offset, size int64) *SubView {
	return &SubView{parent: parent, offset: offset, size: size}
}

func (v *SubView) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= v.size {
		if off == v.size {
			return 0, io.EOF
		}
		return 0, io.ErrUnexpectedEOF
	}
	end := off + int64(len(p))
	if end > v.size {
		p = p[:v.size-off]
	}
	n, err := v.parent.ReadAt(p, v.offset+off)
	return n, err
}

func (v *SubView) Size() int64 { return v.size }

// ReadFull reads the entire [0, n) prefix of a view into a freshly
// allocated slice, returning io.ErrUnexpectedEOF on a short read.
func ReadFull(v View, n int64) ([]byte, error) {
	buf := make([]byte, n)
	read := 0
	for int64(read) < n {
		m, err := v.ReadAt(buf[read:], int64(read))
		read += m
		if err != nil {
			if err == io.EOF && int64(read) == n {
				break
			}
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if m == 0 {
			return nil, io.ErrUnexpectedEOF
		}
	}
	return buf, nil
}
