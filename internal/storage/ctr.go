package storage

import (
	"io"

	"github.com/falk/nxinspect/internal/crypto"
)

// CtrView decrypts AES-CTR data read from a parent view. counterSeed is the
// 16-byte IV seed (upper 8 bytes are the section nonce prefix); bytes 8-15
// are overwritten per read with the big-endian 16-byte-block index derived
// from (BaseOffset + relative offset). Unaligned reads buffer the enclosing
// 16-byte blocks so a partial first/last block still decrypts correctly.
type CtrView struct {
	parent      View
	key         []byte
	counterSeed []byte // 16 bytes
	// BaseOffset is the absolute file offset the view's logical offset 0
	// corresponds to; the CTR block index is computed from this, not from
	// the view-relative offset, because the counter is derived from the
	// section's position in the underlying file.
	baseOffset int64
	size       int64
}

func NewCtrView(parent View, key, counterSeed []byte, baseOffset, size int64) *CtrView {
	seed := make([]byte, 16)
	copy(seed, counterSeed)
	return &CtrView{parent: parent, key: key, counterSeed: seed, baseOffset: baseOffset, size: size}
}

func (v *CtrView) Size() int64 { return v.size }

// Parent returns the underlying view this CTR view decrypts from, letting
// a composing layer (e.g. internal/bktr) build a sibling view with a
// different counter seed over the same bytes.
func (v *CtrView) Parent() View { return v.parent }

// BaseOffset returns the absolute file offset the view's logical offset 0
// corresponds to.
func (v *CtrView) BaseOffset() int64 { return v.baseOffset }

func (v *CtrView) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= v.size {
		if off == v.size {
			return 0, io.EOF
		}
		return 0, io.ErrUnexpectedEOF
	}
	want := len(p)
	if int64(want) > v.size-off {
		want = int(v.size - off)
	}

	absOff := v.baseOffset + off
	blockStart := absOff &^ 0xF
	lead := int(absOff - blockStart)
	total := lead + want
	// Round up to a full 16-byte block.
	if total%16 != 0 {
		total += 16 - total%16
	}

	buf := make([]byte, total)
	n, err := v.parent.ReadAt(buf[:min64(int64(total), v.parent.Size()-blockStart)], blockStart)
	if err != nil && n == 0 {
		return 0, err
	}
	buf = buf[:n]
	if len(buf) < lead {
		return 0, io.ErrUnexpectedEOF
	}

	if err := crypto.CTRXor(v.key, v.counterSeed, blockStart, buf); err != nil {
		return 0, err
	}

	avail := len(buf) - lead
	if avail > want {
		avail = want
	}
	if avail < 0 {
		avail = 0
	}
	copy(p, buf[lead:lead+avail])
	if avail < len(p) {
		return avail, io.EOF
	}
	return avail, nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
