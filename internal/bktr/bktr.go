// Package bktr implements the BKTR overlay: an update NCA's RomFS section
// patched over a base NCA's RomFS via a relocation table (which ranges come
// from base vs. update) and a subsection table (per-range AES-CTR
// parameters for the update side).
package bktr

import (
	"encoding/binary"
	"io"
	"sort"

	"github.com/falk/nxinspect/internal/containererr"
	"github.com/falk/nxinspect/internal/crypto"
	"github.com/falk/nxinspect/internal/storage"
)

// RelocationEntry is one segment of the relocation table: [VirtualOffset,
// next entry's VirtualOffset) either comes from the base RomFS (at
// BaseOffset relative to the base view) or from the update side.
type RelocationEntry struct {
	VirtualOffset uint64
	BaseOffset    uint64
	FromUpdate    bool
}

// SubsectionEntry is one segment of the subsection table: the update-side
// AES-CTR counter value to use for [VirtualOffset, next entry's
// VirtualOffset).
type SubsectionEntry struct {
	VirtualOffset uint64
	Counter       uint32
}

// Tables holds the two parsed bucket tables plus the logical section size
// they cover.
type Tables struct {
	Relocation []RelocationEntry
	Subsection []SubsectionEntry
	SectionEnd uint64
}

// bucketEntrySize is the 16-byte entry size shared by both bucket kinds
// (8-byte virtual/base offset + 4-byte padding + 4-byte flag/counter).
const bucketEntrySize = 16
const bucketTableHeaderSize = 16 + 0x3FF0

// parseBuckets decodes the common bucket-table layout: a 16-byte header
// (padding, bucket count, total size, reserved) followed by 0x3FF0 bytes of
// base offsets, followed by bucketCount buckets each prefixed by (padding,
// entryCount, endOffset) and entryCount 16-byte entries.
func parseBuckets(data []byte) (entries [][2]uint64, flags []uint32, sectionEnd uint64, err error) {
	if len(data) < 16 {
		return nil, nil, 0, io.ErrUnexpectedEOF
	}
	bucketCount := binary.LittleEndian.Uint32(data[4:8])
	if bucketCount == 0 || bucketCount > 1000 || len(data) < bucketTableHeaderSize {
		return nil, nil, 0, nil
	}

	pos := bucketTableHeaderSize
	for i := uint32(0); i < bucketCount; i++ {
		if pos+16 > len(data) {
			break
		}
		entryCount := binary.LittleEndian.Uint32(data[pos+4 : pos+8])
		endOffset := binary.LittleEndian.Uint64(data[pos+8 : pos+16])
		sectionEnd = endOffset
		entriesPos := pos + 16
		for j := uint32(0); j < entryCount; j++ {
			ep := entriesPos + int(j)*bucketEntrySize
			if ep+bucketEntrySize > len(data) {
				break
			}
			v0 := binary.LittleEndian.Uint64(data[ep : ep+8])
			v1 := binary.LittleEndian.Uint64(data[ep+8 : ep+16]) // flag (relocation) or padding||ctr (subsection)
			entries = append(entries, [2]uint64{v0, v1})
			flags = append(flags, uint32(v1>>32))
		}
		pos = entriesPos + int(entryCount)*bucketEntrySize
	}
	return entries, flags, sectionEnd, nil
}

// ParseTables reads and decrypts the relocation and subsection bucket data,
// each encrypted with the section's base CTR seed, and returns the
// resulting segment tables.
func ParseTables(
	sectionView storage.View,
	sectionOffsetInFile int64,
	relocationHeader, subsectionHeader *BucketHeader,
	key, baseCounterSeed []byte,
) (*Tables, error) {
	if relocationHeader == nil || subsectionHeader == nil {
		return nil, containererr.MissingBase("BKTR FS header missing relocation/subsection descriptor")
	}

	relocData, err := decryptBucketRegion(sectionView, sectionOffsetInFile, relocationHeader, key, baseCounterSeed)
	if err != nil {
		return nil, err
	}
	subData, err := decryptBucketRegion(sectionView, sectionOffsetInFile, subsectionHeader, key, baseCounterSeed)
	if err != nil {
		return nil, err
	}

	relocRaw, relocFlags, sectionEnd, err := parseBuckets(relocData)
	if err != nil {
		return nil, err
	}
	subRaw, _, _, err := parseBuckets(subData)
	if err != nil {
		return nil, err
	}

	t := &Tables{SectionEnd: sectionEnd}
	for i, e := range relocRaw {
		t.Relocation = append(t.Relocation, RelocationEntry{
			VirtualOffset: e[0],
			BaseOffset:    0, // computed below once sorted
			FromUpdate:    relocFlags[i] != 0,
		})
	}
	sort.Slice(t.Relocation, func(i, j int) bool { return t.Relocation[i].VirtualOffset < t.Relocation[j].VirtualOffset })

	// Base offsets track the running total of "from base" bytes preceding
	// each segment, matching how the relocation table is defined relative
	// to the base RomFS's own linear address space.
	var baseCursor uint64
	for i := range t.Relocation {
		t.Relocation[i].BaseOffset = baseCursor
		if !t.Relocation[i].FromUpdate {
			var segEnd uint64
			if i+1 < len(t.Relocation) {
				segEnd = t.Relocation[i+1].VirtualOffset
			} else {
				segEnd = sectionEnd
			}
			baseCursor += segEnd - t.Relocation[i].VirtualOffset
		}
	}

	for _, e := range subRaw {
		t.Subsection = append(t.Subsection, SubsectionEntry{VirtualOffset: e[0], Counter: uint32(e[1] >> 32)})
	}
	sort.Slice(t.Subsection, func(i, j int) bool { return t.Subsection[i].VirtualOffset < t.Subsection[j].VirtualOffset })

	return t, nil
}

// BucketHeader is the parsed relocation/subsection descriptor embedded in
// a BKTR FS header.
type BucketHeader struct {
	Offset uint64
	Size   uint64
}

func decryptBucketRegion(sectionView storage.View, sectionOffsetInFile int64, hdr *BucketHeader, key, baseCounterSeed []byte) ([]byte, error) {
	if hdr == nil || hdr.Size == 0 {
		return nil, nil
	}
	raw, err := storage.ReadFull(storage.NewSubView(sectionView, int64(hdr.Offset), int64(hdr.Size)), int64(hdr.Size))
	if err != nil {
		return nil, err
	}
	absOffset := sectionOffsetInFile + int64(hdr.Offset)
	if err := xorCtrInPlace(key, baseCounterSeed, absOffset, raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// RelocationSegmentAt finds the relocation segment containing logical
// offset o via binary search.
func (t *Tables) RelocationSegmentAt(o uint64) (RelocationEntry, uint64, bool) {
	idx := sort.Search(len(t.Relocation), func(i int) bool { return t.Relocation[i].VirtualOffset > o }) - 1
	if idx < 0 || idx >= len(t.Relocation) {
		return RelocationEntry{}, 0, false
	}
	var end uint64
	if idx+1 < len(t.Relocation) {
		end = t.Relocation[idx+1].VirtualOffset
	} else {
		end = t.SectionEnd
	}
	return t.Relocation[idx], end, true
}

// SubsectionAt finds the subsection entry whose counter applies at
// logical offset o.
func (t *Tables) SubsectionAt(o uint64) (SubsectionEntry, uint64, bool) {
	idx := sort.Search(len(t.Subsection), func(i int) bool { return t.Subsection[i].VirtualOffset > o }) - 1
	if idx < 0 || idx >= len(t.Subsection) {
		return SubsectionEntry{}, 0, false
	}
	var end uint64
	if idx+1 < len(t.Subsection) {
		end = t.Subsection[idx+1].VirtualOffset
	} else {
		end = t.SectionEnd
	}
	return t.Subsection[idx], end, true
}

// View composes base and update views through the relocation/subsection
// tables into a single logical RomFS stream. Ownership: Base is a
// read-only borrow the caller must keep alive for the View's lifetime.
type View struct {
	Tables *Tables
	Base   storage.View // plain view over the base NCA's RomFS, nil if unused
	Update *storage.CtrView
	key    []byte
	seed   []byte
}

// NewView constructs a BKTR view. base may be nil only if every relocation
// segment comes from the update side; a "from base" segment with base==nil
// raises MissingBase immediately rather than failing lazily on first read.
// sectionOffsetInFile is the absolute file offset the BKTR section (and so
// virtual offset 0) starts at, needed because the CTR counter is derived
// from the absolute file offset, not the section-relative one.
func NewView(tables *Tables, base storage.View, update storage.View, key, seed []byte, sectionOffsetInFile int64) (*View, error) {
	if base == nil {
		for _, e := range tables.Relocation {
			if !e.FromUpdate {
				return nil, containererr.MissingBase("BKTR relocation table references base RomFS but none was supplied")
			}
		}
	}
	uv := storage.NewCtrView(update, key, seed, sectionOffsetInFile, int64(tables.SectionEnd))
	return &View{Tables: tables, Base: base, Update: uv, key: key, seed: seed}, nil
}

func (v *View) Size() int64 { return int64(v.Tables.SectionEnd) }

func (v *View) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= v.Size() {
		if off == v.Size() {
			return 0, io.EOF
		}
		return 0, io.ErrUnexpectedEOF
	}
	read := 0
	for read < len(p) {
		o := uint64(off) + uint64(read)
		seg, segEnd, ok := v.Tables.RelocationSegmentAt(o)
		if !ok {
			return read, io.ErrUnexpectedEOF
		}
		chunkLen := segEnd - o
		if remaining := uint64(len(p) - read); chunkLen > remaining {
			chunkLen = remaining
		}

		var n int
		var err error
		if seg.FromUpdate {
			n, err = v.readUpdate(o, p[read:read+int(chunkLen)])
		} else {
			if v.Base == nil {
				return read, containererr.MissingBase("BKTR read requires base RomFS")
			}
			baseOff := int64(seg.BaseOffset + (o - seg.VirtualOffset))
			n, err = v.Base.ReadAt(p[read:read+int(chunkLen)], baseOff)
		}
		read += n
		if err != nil {
			return read, err
		}
		if n == 0 {
			return read, io.ErrUnexpectedEOF
		}
	}
	return read, nil
}

func (v *View) readUpdate(o uint64, p []byte) (int, error) {
	sub, subEnd, ok := v.Tables.SubsectionAt(o)
	if !ok {
		return 0, io.ErrUnexpectedEOF
	}
	avail := subEnd - o
	if uint64(len(p)) > avail {
		p = p[:avail]
	}
	seed := make([]byte, 16)
	copy(seed, v.seed)
	seed[4] = byte(sub.Counter >> 24)
	seed[5] = byte(sub.Counter >> 16)
	seed[6] = byte(sub.Counter >> 8)
	seed[7] = byte(sub.Counter)

	cv := storage.NewCtrView(v.Update.Parent(), v.key, seed, v.Update.BaseOffset(), v.Update.Size())
	return cv.ReadAt(p, int64(o))
}

func xorCtrInPlace(key, seed []byte, absOffset int64, buf []byte) error {
	return crypto.CTRXor(key, seed, absOffset, buf)
}
