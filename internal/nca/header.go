// Package nca implements the NCA decoder: header parse and decrypt,
// section table, and per-section storage-view selection, including
// rights-id/title-key crypto, signature verification, and routing into the
// PFS0/RomFS/BKTR inner decoders.
package nca

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/falk/nxinspect/internal/containererr"
	"github.com/falk/nxinspect/internal/crypto"
	"github.com/falk/nxinspect/internal/keys"
	"github.com/falk/nxinspect/internal/storage"
)

const (
	HeaderStructSize = 0xC00  // signed header region
	FullHeaderSize   = 0x4000 // header + padding, uncompressible
	MediaUnit        = 0x200  // : "a media unit is 512 bytes"

	magicNCA3 = "NCA3"
	magicNCA2 = "NCA2"
	magicNCA0 = "NCA0"
)

// CryptoType enumerates an FS section's crypto scheme.
type CryptoType uint8

const (
	CryptoNone CryptoType = 1
	CryptoXTS  CryptoType = 2
	CryptoCTR  CryptoType = 3
	CryptoBKTR CryptoType = 4
)

// HashType enumerates an FS section's hash scheme.
type HashType uint8

const (
	HashNone               HashType = 2
	HashHierarchicalSha256 HashType = 3
	HashIvfc               HashType = 4
)

// PartitionType enumerates the inner filesystem kind.
type PartitionType uint8

const (
	PartitionUnknown PartitionType = 0
	PartitionPFS0    PartitionType = 1
	PartitionRomFS   PartitionType = 2
)

// ContentType enumerates the NCA's declared content kind.
type ContentType uint8

const (
	ContentProgram ContentType = iota
	ContentMeta
	ContentControl
	ContentManual
	ContentData
	ContentPublicData
)

func (c ContentType) String() string {
	switch c {
	case ContentProgram:
		return "Program"
	case ContentMeta:
		return "Meta"
	case ContentControl:
		return "Control"
	case ContentManual:
		return "Manual"
	case ContentData:
		return "Data"
	case ContentPublicData:
		return "PublicData"
	default:
		return "Unknown"
	}
}

// SectionEntry is one raw entry of the NCA's 4-slot section table.
type SectionEntry struct {
	MediaStartOffset uint32
	MediaEndOffset   uint32
	Unknown1         uint32
	Unknown2         uint32
}

// FsHeader is one raw entry of the NCA's 4-slot FS header table.
type FsHeader struct {
	Version        uint16
	FsType         uint8
	HashType       HashType
	CryptoType     CryptoType
	KeyAreaKeyIdx  uint8
	Reserved       [0x138]byte
	IvfcLevels     [6]IvfcLevelRaw // level table read from offset 0x18: see parseFsHeader
	MasterHash     [32]byte
	PfsHashOffset  uint32
	PfsHashSize    uint32
	PfsMasterHash  [32]byte
	CryptoCounter  [8]byte
	BktrRelocation *BktrHeader
	BktrSubsection *BktrHeader
}

// IvfcLevelRaw mirrors one level entry of an IVFC header block.
type IvfcLevelRaw struct {
	Offset    int64
	Size      int64
	BlockSize uint32
}

// BktrHeader is the relocation/subsection bucket-table descriptor embedded
// in a BKTR FS header.
type BktrHeader struct {
	Offset     uint64
	Size       uint64
	Magic      [4]byte
	Version    uint32
	EntryCount uint32
}

func parseBktrHeader(data []byte) *BktrHeader {
	if len(data) < 32 {
		return nil
	}
	h := &BktrHeader{
		Offset:     binary.LittleEndian.Uint64(data[0:8]),
		Size:       binary.LittleEndian.Uint64(data[8:16]),
		Version:    binary.LittleEndian.Uint32(data[20:24]),
		EntryCount: binary.LittleEndian.Uint32(data[24:28]),
	}
	copy(h.Magic[:], data[16:20])
	return h
}

// Header is the parsed, decrypted NCA header.
type Header struct {
	Magic          string
	DistType       byte
	ContentType    ContentType
	KeyGeneration  byte
	KeyGeneration2 byte
	KeyAreaIndex   byte
	ContentSize    uint64
	ProgramID      uint64
	RightsID       [0x10]byte
	SectionTables  [4]SectionEntry
	KeyArea        [0x40]byte
	FsHeaders      [4]FsHeader

	// TitleKey is the unwrapped body key for rights-id crypto titles, once
	// an override or ticket-derived key has been supplied; see
	// ResolveTitleKey. It is not populated by header parsing alone.
	TitleKey []byte

	// SignatureValid is set by Nca.Verify; nil
	// until verification is requested.
	SignatureValid *bool

	fsHeaderHashOK [4]bool
	sigData        []byte // bytes [0x200, 0x400) over which FixedKeySig is checked
	fixedKeySig    [0x100]byte
}

// HasRightsID reports whether this NCA uses external (ticket) title-key
// crypto rather than key-area crypto.
func (h *Header) HasRightsID() bool {
	for _, b := range h.RightsID {
		if b != 0 {
			return true
		}
	}
	return false
}

// effectiveKeyGeneration applies the "generation 2 supersedes generation 1,
// then subtract one, floor at zero" rule used to index the key-area-key and
// titlekek tables.
func (h *Header) effectiveKeyGeneration() int {
	g := int(h.KeyGeneration)
	if int(h.KeyGeneration2) > g {
		g = int(h.KeyGeneration2)
	}
	g--
	if g < 0 {
		g = 0
	}
	return g
}

// ParseHeader reads and decrypts the 0xC00-byte NCA header.
func ParseHeader(src storage.View, ks *keys.Keyset) (*Header, error) {
	encrypted, err := storage.ReadFull(src, HeaderStructSize)
	if err != nil {
		return nil, containererr.Wrap(containererr.KindTruncated, "nca header", err)
	}

	headerKey := ks.HeaderKey()
	if headerKey == nil {
		return nil, containererr.MissingKey("header_key", "-")
	}

	decrypted := make([]byte, len(encrypted))
	const sectorSize = 0x200
	for i := 0; i < len(encrypted)/sectorSize; i++ {
		start := i * sectorSize
		out, err := crypto.XTSDecrypt(encrypted[start:start+sectorSize], headerKey, uint64(i))
		if err != nil {
			return nil, containererr.Wrap(containererr.KindDecryptionFailed, fmt.Sprintf("nca header sector %d", i), err)
		}
		copy(decrypted[start:start+sectorSize], out)
	}

	var h Header
	copy(h.fixedKeySig[:], decrypted[0:0x100])
	h.sigData = append([]byte(nil), decrypted[0x200:0x400]...)

	magic := string(decrypted[0x200:0x204])
	switch magic {
	case magicNCA3, magicNCA2, magicNCA0:
		h.Magic = magic
	default:
		return nil, containererr.BadMagic("nca", fmt.Sprintf("got %q", magic))
	}

	h.DistType = decrypted[0x204]
	h.ContentType = ContentType(decrypted[0x205])
	h.KeyGeneration = decrypted[0x206]
	h.KeyAreaIndex = decrypted[0x207]
	h.ContentSize = binary.LittleEndian.Uint64(decrypted[0x208:0x210])
	h.ProgramID = binary.LittleEndian.Uint64(decrypted[0x210:0x218])
	h.KeyGeneration2 = decrypted[0x220]
	copy(h.RightsID[:], decrypted[0x230:0x240])

	secReader := bytes.NewReader(decrypted[0x240:0x280])
	if err := binary.Read(secReader, binary.LittleEndian, &h.SectionTables); err != nil {
		return nil, containererr.Wrap(containererr.KindTruncated, "nca section table", err)
	}

	copy(h.KeyArea[:], decrypted[0x300:0x340])

	for i := 0; i < 4; i++ {
		off := 0x400 + i*0x200
		h.FsHeaders[i] = parseFsHeader(decrypted[off : off+0x200])
	}

	return &h, nil
}

func parseFsHeader(data []byte) FsHeader {
	var fh FsHeader
	fh.Version = binary.LittleEndian.Uint16(data[0x0:0x2])
	fh.FsType = data[0x3]
	fh.HashType = HashType(data[0x4])
	fh.CryptoType = CryptoType(data[0x5])
	fh.KeyAreaKeyIdx = data[0x6]

	// Hash-region master hashes, laid out per hash type: HierarchicalSha256
	// (PFS0) carries a single master hash near 0x120; HierarchicalIntegrity
	// (RomFS/IVFC) carries its level table starting at 0x8 within this
	// region and the level-0 master hash at the end of the level table.
	copy(fh.PfsMasterHash[:], data[0x108:0x128])
	fh.PfsHashOffset = binary.LittleEndian.Uint32(data[0xF8:0xFC])
	fh.PfsHashSize = binary.LittleEndian.Uint32(data[0xFC:0x100])

	if fh.CryptoType == CryptoBKTR {
		fh.BktrRelocation = parseBktrHeader(data[0x100:0x120])
		fh.BktrSubsection = parseBktrHeader(data[0x120:0x140])
	}

	copy(fh.CryptoCounter[:], data[0x140:0x148])
	copy(fh.MasterHash[:], data[0x168:0x188])

	levelsBase := 0x18
	for i := 0; i < 6; i++ {
		lvl := levelsBase + i*24
		if lvl+24 > 0x100 {
			break
		}
		fh.IvfcLevels[i] = IvfcLevelRaw{
			Offset:    int64(binary.LittleEndian.Uint64(data[lvl : lvl+8])),
			Size:      int64(binary.LittleEndian.Uint64(data[lvl+8 : lvl+16])),
			BlockSize: binary.LittleEndian.Uint32(data[lvl+16 : lvl+20]),
		}
	}

	return fh
}

// Partition reports which inner filesystem decoder a section routes to.
func (fh *FsHeader) Partition() PartitionType {
	switch fh.HashType {
	case HashHierarchicalSha256:
		return PartitionPFS0
	case HashIvfc:
		return PartitionRomFS
	default:
		return PartitionUnknown
	}
}

// buildBaseCounter constructs the 16-byte CTR seed from the FS header's
// 8-byte counter field: the stored bytes are big-endian-reversed into the
// seed's upper half.
func buildBaseCounter(counter []byte) []byte {
	seed := make([]byte, 16)
	copy(seed[8:], counter)
	for i, j := 0, 15; i < j; i, j = i+1, j-1 {
		seed[i], seed[j] = seed[j], seed[i]
	}
	return seed
}
