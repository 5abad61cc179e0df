package storage

import (
	"io"

	"github.com/falk/nxinspect/internal/crypto"
)

// XtsView decrypts AES-XTS data, sector size fixed per view (typically
// 0x200). Sector number = initialSector + (relativeOffset / sectorSize). A
// read that doesn't start or end on a sector boundary still decrypts
// correctly: the enclosing sectors are decrypted in full and the requested
// range is sliced out, since each sector decrypts independently of its
// neighbors.
type XtsView struct {
	parent        View
	key           []byte // 32 bytes: K1 || K2
	sectorSize    int64
	initialSector uint64
	size          int64
}

func NewXtsView(parent View, key []byte, sectorSize int64, initialSector uint64, size int64) *XtsView {
	return &XtsView{parent: parent, key: key, sectorSize: sectorSize, initialSector: initialSector, size: size}
}

func (v *XtsView) Size() int64 { return v.size }

func (v *XtsView) ReadAt(p []byte, off int64) (int, error) {
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

	firstSector := off / v.sectorSize
	lastSector := (off + int64(want) - 1) / v.sectorSize
	sectorStart := firstSector * v.sectorSize
	nSectors := lastSector - firstSector + 1

	readLen := min64(sectorStart+nSectors*v.sectorSize, v.parent.Size()) - sectorStart
	raw := make([]byte, 0, nSectors*v.sectorSize)
	if readLen > 0 {
		var err error
		raw, err = ReadFull(NewSubView(v.parent, sectorStart, readLen), readLen)
		if err != nil {
			return 0, err
		}
	}
	if int64(len(raw)) < nSectors*v.sectorSize {
		padded := make([]byte, nSectors*v.sectorSize)
		copy(padded, raw)
		raw = padded
	}

	out := make([]byte, len(raw))
	for s := int64(0); s < nSectors; s++ {
		sector := v.initialSector + uint64(firstSector+s)
		chunk := raw[s*v.sectorSize : (s+1)*v.sectorSize]
		dec, err := crypto.XTSDecrypt(chunk, v.key, sector)
		if err != nil {
			return 0, err
		}
		copy(out[s*v.sectorSize:(s+1)*v.sectorSize], dec)
	}

	lead := off - sectorStart
	copy(p[:want], out[lead:lead+int64(want)])
	if want < len(p) {
		return want, io.EOF
	}
	return want, nil
}
