// Package npdm decodes NPDM ("META") metadata blobs: the process descriptor
// embedded in a PFS0 Meta NCA's "main.npdm" entry, carrying the program's
// ACI0 (actual permissions granted) and ACID (permissions the program was
// signed to request) regions.
package npdm

import (
	"encoding/binary"

	"github.com/falk/nxinspect/internal/containererr"
	"github.com/falk/nxinspect/internal/storage"
)

const (
	magicMeta = "META"
	magicAci0 = "ACI0"
	magicAcid = "ACID"
	headerSize = 0x80
)

// Header is the fixed-size NPDM root header.
type Header struct {
	MainThreadPriority  byte
	MainThreadCoreNum   byte
	ProcessCategory     uint32
	MainThreadStackSize uint32
	Name                string
	Version             uint32

	Aci0Offset uint32
	Aci0Size   uint32
	AcidOffset uint32
	AcidSize   uint32
}

// Aci0 is the "actual" access control region: what the process was
// launched with.
type Aci0 struct {
	ProgramID            uint64
	FsAccessHeaderOffset uint32
	FsAccessHeaderSize   uint32
	ServiceAccessOffset  uint32
	ServiceAccessSize    uint32
	KernelCapOffset      uint32
	KernelCapSize        uint32
}

// Acid is the signed access control region: what the program was built to
// request, checked against Aci0 by higher firmware layers.
type Acid struct {
	ProgramIDMin         uint64
	ProgramIDMax         uint64
	FsAccessHeaderOffset uint32
	FsAccessHeaderSize   uint32
	ServiceAccessOffset  uint32
	ServiceAccessSize    uint32
	KernelCapOffset      uint32
	KernelCapSize        uint32
	RetailFlag           bool
}

// Metadata is a fully decoded NPDM blob.
type Metadata struct {
	Header Header
	Aci0   *Aci0
	Acid   *Acid
}

// Open parses the NPDM header and, if present, the ACI0 and ACID regions it
// references. The blob's total size is derived from header fields rather
// than assumed, matching the "read only as much as aci0/acid describe"
// convention used across the container formats here.
func Open(v storage.View) (*Metadata, error) {
	raw, err := storage.ReadFull(v, headerSize)
	if err != nil {
		return nil, containererr.Wrap(containererr.KindTruncated, "npdm header", err)
	}
	if string(raw[0:4]) != magicMeta {
		return nil, containererr.BadMagic("npdm", string(raw[0:4]))
	}

	h := Header{
		MainThreadPriority:  raw[0xC],
		MainThreadCoreNum:   raw[0xD],
		ProcessCategory:     binary.LittleEndian.Uint32(raw[0x4:0x8]),
		MainThreadStackSize: binary.LittleEndian.Uint32(raw[0x1C:0x20]),
		Name:                cstring(raw[0x20:0x30]),
		Version:             binary.LittleEndian.Uint32(raw[0x60:0x64]),
		Aci0Offset:          binary.LittleEndian.Uint32(raw[0x70:0x74]),
		Aci0Size:            binary.LittleEndian.Uint32(raw[0x74:0x78]),
		AcidOffset:          binary.LittleEndian.Uint32(raw[0x78:0x7C]),
		AcidSize:            binary.LittleEndian.Uint32(raw[0x7C:0x80]),
	}

	// The total NPDM size is the high-water mark of both regions (mirroring
	// the convention used by every reader of this format): neither region
	// is guaranteed to come first.
	total := int64(h.Aci0Offset) + int64(h.Aci0Size)
	if acidEnd := int64(h.AcidOffset) + int64(h.AcidSize); acidEnd > total {
		total = acidEnd
	}
	if total > v.Size() {
		return nil, containererr.Truncated("npdm", total)
	}

	m := &Metadata{Header: h}

	if h.Aci0Size >= 0x40 {
		aci0Raw, err := storage.ReadFull(storage.NewSubView(v, int64(h.Aci0Offset), int64(h.Aci0Size)), int64(h.Aci0Size))
		if err != nil {
			return nil, containererr.Wrap(containererr.KindTruncated, "npdm aci0", err)
		}
		if string(aci0Raw[0:4]) == magicAci0 {
			m.Aci0 = &Aci0{
				ProgramID:            binary.LittleEndian.Uint64(aci0Raw[0x10:0x18]),
				FsAccessHeaderOffset: binary.LittleEndian.Uint32(aci0Raw[0x20:0x24]),
				FsAccessHeaderSize:   binary.LittleEndian.Uint32(aci0Raw[0x24:0x28]),
				ServiceAccessOffset:  binary.LittleEndian.Uint32(aci0Raw[0x28:0x2C]),
				ServiceAccessSize:    binary.LittleEndian.Uint32(aci0Raw[0x2C:0x30]),
				KernelCapOffset:      binary.LittleEndian.Uint32(aci0Raw[0x30:0x34]),
				KernelCapSize:        binary.LittleEndian.Uint32(aci0Raw[0x34:0x38]),
			}
		}
	}

	if h.AcidSize >= 0x240 {
		acidRaw, err := storage.ReadFull(storage.NewSubView(v, int64(h.AcidOffset), int64(h.AcidSize)), int64(h.AcidSize))
		if err != nil {
			return nil, containererr.Wrap(containererr.KindTruncated, "npdm acid", err)
		}
		if string(acidRaw[0x100:0x104]) == magicAcid {
			flags := binary.LittleEndian.Uint32(acidRaw[0x10C:0x110])
			m.Acid = &Acid{
				ProgramIDMin:         binary.LittleEndian.Uint64(acidRaw[0x110:0x118]),
				ProgramIDMax:         binary.LittleEndian.Uint64(acidRaw[0x118:0x120]),
				FsAccessHeaderOffset: binary.LittleEndian.Uint32(acidRaw[0x120:0x124]),
				FsAccessHeaderSize:   binary.LittleEndian.Uint32(acidRaw[0x124:0x128]),
				ServiceAccessOffset:  binary.LittleEndian.Uint32(acidRaw[0x128:0x12C]),
				ServiceAccessSize:    binary.LittleEndian.Uint32(acidRaw[0x12C:0x130]),
				KernelCapOffset:      binary.LittleEndian.Uint32(acidRaw[0x130:0x134]),
				KernelCapSize:        binary.LittleEndian.Uint32(acidRaw[0x134:0x138]),
				RetailFlag:           flags&1 != 0,
			}
		}
	}

	return m, nil
}

func cstring(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
