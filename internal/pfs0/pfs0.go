// Package pfs0 implements the PFS0/HFS0 flat file-table container: a
// header of (offset, size, name) entries followed by a string table and a
// contiguous data region. HFS0 adds a per-file prefix hash checked against
// the entry's stored digest.
package pfs0

import (
	"encoding/binary"
	"fmt"

	"github.com/falk/nxinspect/internal/containererr"
	"github.com/falk/nxinspect/internal/crypto"
	"github.com/falk/nxinspect/internal/storage"
)

// Kind distinguishes PFS0 from its hashed sibling HFS0.
type Kind int

const (
	KindPFS0 Kind = iota
	KindHFS0
)

const (
	pfs0EntrySize = 24
	hfs0EntrySize = 64
)

// File is one decoded file-table entry plus its resolved name.
type File struct {
	Name       string
	DataOffset int64
	Size       int64
	HashedSize int64  // HFS0 only; 0 for PFS0
	Hash       [32]byte // HFS0 only
}

// Container is a decoded PFS0/HFS0 header plus the data-region view.
type Container struct {
	Kind       Kind
	Files      []File
	HeaderSize int64
	dataView   storage.View
}

// Open reads and validates the header.
func Open(v storage.View) (*Container, error) {
	hdr, err := storage.ReadFull(v, 16)
	if err != nil {
		return nil, containererr.Wrap(containererr.KindTruncated, "pfs0/hfs0 header", err)
	}
	magic := string(hdr[0:4])
	var kind Kind
	var entrySize int64
	switch magic {
	case "PFS0":
		kind = KindPFS0
		entrySize = pfs0EntrySize
	case "HFS0":
		kind = KindHFS0
		entrySize = hfs0EntrySize
	default:
		return nil, containererr.BadMagic("pfs0", fmt.Sprintf("got %q", magic))
	}

	numFiles := binary.LittleEndian.Uint32(hdr[4:8])
	stringTableSize := binary.LittleEndian.Uint32(hdr[8:12])

	entriesSize := int64(numFiles) * entrySize
	headerSize := 16 + entriesSize + int64(stringTableSize)
	if v.Size() > 0 && headerSize > v.Size() {
		return nil, containererr.Truncated("pfs0/hfs0", headerSize)
	}

	entries, err := storage.ReadFull(storage.NewSubView(v, 16, entriesSize), entriesSize)
	if err != nil {
		return nil, containererr.Wrap(containererr.KindTruncated, "pfs0/hfs0 entries", err)
	}
	stringTable, err := storage.ReadFull(storage.NewSubView(v, 16+entriesSize, int64(stringTableSize)), int64(stringTableSize))
	if err != nil {
		return nil, containererr.Wrap(containererr.KindTruncated, "pfs0/hfs0 string table", err)
	}

	files := make([]File, numFiles)
	var totalSize int64
	for i := uint32(0); i < numFiles; i++ {
		e := entries[int64(i)*entrySize:]
		dataOffset := int64(binary.LittleEndian.Uint64(e[0:8]))
		size := int64(binary.LittleEndian.Uint64(e[8:16]))
		nameOffset := binary.LittleEndian.Uint32(e[16:20])

		name, err := readName(stringTable, nameOffset)
		if err != nil {
			return nil, err
		}

		f := File{Name: name, DataOffset: dataOffset, Size: size}
		if kind == KindHFS0 {
			f.HashedSize = int64(binary.LittleEndian.Uint32(e[20:24]))
			copy(f.Hash[:], e[32:64])
		}
		files[i] = f
		totalSize += size
	}

	dataRegionSize := v.Size() - headerSize
	for _, f := range files {
		if dataRegionSize > 0 && f.DataOffset+f.Size > dataRegionSize {
			return nil, containererr.Truncated("pfs0/hfs0 file data", headerSize+f.DataOffset+f.Size)
		}
	}

	return &Container{
		Kind:       kind,
		Files:      files,
		HeaderSize: headerSize,
		dataView:   storage.NewSubView(v, headerSize, dataRegionSize),
	}, nil
}

func readName(table []byte, offset uint32) (string, error) {
	if offset >= uint32(len(table)) {
		return "", fmt.Errorf("pfs0: name offset out of bounds")
	}
	end := offset
	for end < uint32(len(table)) && table[end] != 0 {
		end++
	}
	return string(table[offset:end]), nil
}

// FileView returns a view over one file's data region.
func (c *Container) FileView(f File) storage.View {
	return storage.NewSubView(c.dataView, f.DataOffset, f.Size)
}

// VerifyFile checks an HFS0 entry's prefix hash. PFS0 entries
// have no hash and always report true.
func (c *Container) VerifyFile(f File) (bool, error) {
	if c.Kind != KindHFS0 || f.HashedSize == 0 {
		return true, nil
	}
	buf, err := storage.ReadFull(storage.NewSubView(c.FileView(f), 0, f.HashedSize), f.HashedSize)
	if err != nil {
		return false, err
	}
	return crypto.SHA256(buf) == f.Hash, nil
}

// Extract writes every file to sink under its advertised name.
func (c *Container) Extract(sink func(relPath string, data storage.View) error) error {
	for _, f := range c.Files {
		if err := sink(f.Name, c.FileView(f)); err != nil {
			return err
		}
	}
	return nil
}
