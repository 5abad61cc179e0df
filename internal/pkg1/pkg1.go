// Package pkg1 decodes Package1: the early boot-chain archive (NX_Bootloader,
// warmboot, secmon concatenated after a plaintext header), AES-CBC encrypted
// under a generation-specific key with no integrity check of its own.
package pkg1

import (
	"bytes"
	"encoding/binary"

	"github.com/falk/nxinspect/internal/containererr"
	"github.com/falk/nxinspect/internal/crypto"
	"github.com/falk/nxinspect/internal/storage"
)

const (
	headerSize = 0x20
	magicPK11  = "PK11"
)

// Section names the three boot-chain stages concatenated inside the body.
type Section int

const (
	SectionWarmboot Section = iota
	SectionNxBootloader
	SectionSecureMonitor
)

func (s Section) String() string {
	switch s {
	case SectionWarmboot:
		return "Warmboot"
	case SectionNxBootloader:
		return "NX_Bootloader"
	case SectionSecureMonitor:
		return "SecureMonitor"
	default:
		return "Unknown"
	}
}

// Entry is one decoded boot-chain stage.
type Entry struct {
	Section    Section
	DataOffset int64
	Size       int64
}

// Package1 is a decoded Package1 image.
type Package1 struct {
	Entries []Entry
	body    storage.View
}

// Open decrypts the Package1 body with key (the package1 key of the
// generation the caller selects; the CLI takes it from --keygen) and
// validates the PK11 magic at the start of the decrypted body. The
// plaintext header is not read, so the generation is not taken from it.
func Open(v storage.View, key []byte) (*Package1, error) {
	raw, err := storage.ReadFull(v, v.Size())
	if err != nil {
		return nil, containererr.Wrap(containererr.KindTruncated, "package1", err)
	}
	if len(raw) < headerSize+0x10 {
		return nil, containererr.Truncated("package1", int64(headerSize+0x10))
	}

	cipherBody := raw[headerSize:]
	iv := make([]byte, 16) // Package1 bodies use a zero IV; the header itself is plaintext.
	plain, err := crypto.CBCDecrypt(key, iv, cipherBody)
	if err != nil {
		return nil, containererr.Wrap(containererr.KindDecryptionFailed, "package1 body", err)
	}

	if string(plain[0:4]) != magicPK11 {
		return nil, containererr.BadMagic("package1", string(plain[0:4]))
	}

	warmbootSize := binary.LittleEndian.Uint32(plain[0x4:0x8])
	nxBootloaderSize := binary.LittleEndian.Uint32(plain[0x8:0xC])
	secmonSize := binary.LittleEndian.Uint32(plain[0xC:0x10])

	pos := int64(0x20) // PK11 header itself
	entries := []Entry{
		{SectionWarmboot, pos, int64(warmbootSize)},
	}
	pos += int64(warmbootSize)
	entries = append(entries, Entry{SectionNxBootloader, pos, int64(nxBootloaderSize)})
	pos += int64(nxBootloaderSize)
	entries = append(entries, Entry{SectionSecureMonitor, pos, int64(secmonSize)})

	return &Package1{
		Entries: entries,
		body:    storage.NewReaderAtView(bytes.NewReader(plain), int64(len(plain))),
	}, nil
}

// SectionView returns a view over one decoded stage's bytes.
func (p *Package1) SectionView(e Entry) storage.View {
	return storage.NewSubView(p.body, e.DataOffset, e.Size)
}

// Extract writes every stage to sink named by its section.
func (p *Package1) Extract(sink func(relPath string, data storage.View) error) error {
	for _, e := range p.Entries {
		if err := sink(e.Section.String(), p.SectionView(e)); err != nil {
			return err
		}
	}
	return nil
}
