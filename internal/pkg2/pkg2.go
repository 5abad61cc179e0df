// Package pkg2 decodes Package2: the kernel/INI1 boot archive. Its 0x200
// outer header starts with an AES-CMAC tag and a CBC IV in the clear; the
// remaining 0x1E0 bytes are AES-CBC encrypted under the generation's
// package2 key and self-describe four payload section slots plus
// per-section SHA-256 hashes, used with the CMAC to check integrity without
// any external signature.
package pkg2

import (
	"bytes"
	"encoding/binary"

	"github.com/falk/nxinspect/internal/containererr"
	"github.com/falk/nxinspect/internal/crypto"
	"github.com/falk/nxinspect/internal/storage"
)

const (
	headerSize  = 0x200
	magicPK21   = "PK21"
	numSections = 4
)

// Section is one of Package2's four payload slots (kernel, INI1, and two
// reserved/unused slots on current firmware).
type Section struct {
	Offset int64
	Size   int64
	Hash   [32]byte
	HashOK bool
}

// Package2 is a decoded Package2 image.
type Package2 struct {
	Magic       string
	Version     byte
	Sections    [numSections]Section
	CmacOK      bool
	EntryOffset uint32
	body        storage.View
}

// Open decrypts the outer header with key (package2_key[g]) and the
// payload body under the same key with an AES-CTR counter seeded from the
// header's own IV field, then checks the embedded CMAC over the header and
// the per-section SHA-256 hashes over the decrypted payloads.
func Open(v storage.View, key []byte) (*Package2, error) {
	raw, err := storage.ReadFull(v, headerSize)
	if err != nil {
		return nil, containererr.Wrap(containererr.KindTruncated, "package2 header", err)
	}

	cmacTag := raw[0:0x10]
	cbcIV := raw[0x10:0x20]
	cipherHeader := raw[0x20:headerSize]

	plainHeader, err := crypto.CBCDecrypt(key, cbcIV, cipherHeader)
	if err != nil {
		return nil, containererr.Wrap(containererr.KindDecryptionFailed, "package2 header", err)
	}

	cmacInput := append(append([]byte(nil), cbcIV...), plainHeader...)
	gotCmac, err := crypto.AESCMAC(key, cmacInput)
	if err != nil {
		return nil, containererr.Wrap(containererr.KindDecryptionFailed, "package2 cmac", err)
	}

	magic := string(plainHeader[0x0:0x4])
	if magic != magicPK21 {
		return nil, containererr.BadMagic("package2", magic)
	}

	p := &Package2{Magic: magic}
	p.CmacOK = constantTimeEqual(gotCmac[:], cmacTag)
	p.EntryOffset = binary.LittleEndian.Uint32(plainHeader[0x4:0x8])
	p.Version = plainHeader[0xE]

	var sizes [numSections]uint32
	for i := 0; i < numSections; i++ {
		sizes[i] = binary.LittleEndian.Uint32(plainHeader[0x10+i*4 : 0x14+i*4])
	}
	var cursor int64
	for i := 0; i < numSections; i++ {
		p.Sections[i].Offset = cursor
		p.Sections[i].Size = int64(sizes[i])
		copy(p.Sections[i].Hash[:], plainHeader[0x20+i*0x20:0x40+i*0x20])
		cursor += int64(sizes[i])
	}

	bodyLen := v.Size() - headerSize
	body, err := storage.ReadFull(storage.NewSubView(v, headerSize, bodyLen), bodyLen)
	if err != nil {
		return nil, containererr.Wrap(containererr.KindTruncated, "package2 body", err)
	}
	seed := make([]byte, 16)
	copy(seed, cbcIV)
	if err := crypto.CTRXor(key, seed, 0, body); err != nil {
		return nil, containererr.Wrap(containererr.KindDecryptionFailed, "package2 body", err)
	}

	for i := 0; i < numSections; i++ {
		sec := &p.Sections[i]
		if sec.Size == 0 {
			sec.HashOK = true
			continue
		}
		if sec.Offset+sec.Size > int64(len(body)) {
			continue
		}
		got := crypto.SHA256(body[sec.Offset : sec.Offset+sec.Size])
		sec.HashOK = got == sec.Hash
	}

	p.body = storage.NewReaderAtView(bytes.NewReader(body), int64(len(body)))
	return p, nil
}

// SectionView returns a view over one decoded section's bytes.
func (p *Package2) SectionView(i int) storage.View {
	s := p.Sections[i]
	return storage.NewSubView(p.body, s.Offset, s.Size)
}

// Extract writes every non-empty section to sink, named by its slot:
// Kernel, INI1, Reserved2 or Reserved3.
func (p *Package2) Extract(sink func(relPath string, data storage.View) error) error {
	names := [numSections]string{"Kernel", "INI1", "Reserved2", "Reserved3"}
	for i, sec := range p.Sections {
		if sec.Size == 0 {
			continue
		}
		if err := sink(names[i], p.SectionView(i)); err != nil {
			return err
		}
	}
	return nil
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}
