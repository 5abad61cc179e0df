// Package xci decodes XCI gamecard images: a plaintext outer header
// locating a root HFS0 partition, whose entries are themselves HFS0
// partitions (update, normal, secure, logo) each holding NCAs.
package xci

import (
	"encoding/binary"

	"github.com/falk/nxinspect/internal/containererr"
	"github.com/falk/nxinspect/internal/pfs0"
	"github.com/falk/nxinspect/internal/storage"
)

const (
	outerHeaderSize = 0x200
	magicHead       = "HEAD"
	cardHeaderStart = 0x100
)

// Header is the decoded plaintext XCI outer header.
type Header struct {
	PackageID      uint64
	RootPartitionOffset int64
	RootPartitionSize   int64
	CardSize            byte
}

// Partition is one named sub-partition of the root HFS0 (update, normal,
// secure, logo on current cards).
type Partition struct {
	Name      string
	Container *pfs0.Container
}

// Image is a fully decoded XCI: the outer header plus every sub-partition
// discovered inside the root HFS0.
type Image struct {
	Header     Header
	Root       *pfs0.Container
	Partitions []Partition
}

// Open parses the outer header and the root HFS0, then opens every
// sub-partition the root lists (update/normal/secure/logo).
func Open(v storage.View) (*Image, error) {
	raw, err := storage.ReadFull(v, outerHeaderSize)
	if err != nil {
		return nil, containererr.Wrap(containererr.KindTruncated, "xci header", err)
	}
	if string(raw[cardHeaderStart:cardHeaderStart+4]) != magicHead {
		return nil, containererr.BadMagic("xci", string(raw[cardHeaderStart:cardHeaderStart+4]))
	}

	// Field offsets are absolute within the 0x200-byte outer header.
	h := Header{
		PackageID:           binary.LittleEndian.Uint64(raw[0x140:0x148]),
		RootPartitionOffset: int64(binary.LittleEndian.Uint32(raw[0x104:0x108])) * 0x200,
		CardSize:            raw[0x10D],
	}
	h.RootPartitionSize = v.Size() - h.RootPartitionOffset

	rootView := storage.NewSubView(v, h.RootPartitionOffset, h.RootPartitionSize)
	root, err := pfs0.Open(rootView)
	if err != nil {
		return nil, containererr.Wrap(containererr.KindBadMagic, "xci root partition", err)
	}

	img := &Image{Header: h, Root: root}
	for _, f := range root.Files {
		sub, err := pfs0.Open(root.FileView(f))
		if err != nil {
			// A root entry that isn't itself an HFS0 (shouldn't happen on a
			// well-formed card) is skipped rather than aborting the whole
			// image.
			continue
		}
		img.Partitions = append(img.Partitions, Partition{Name: f.Name, Container: sub})
	}
	return img, nil
}

// Partition looks up a decoded sub-partition by name ("update", "normal",
// "secure", "logo").
func (img *Image) Partition(name string) *Partition {
	for i := range img.Partitions {
		if img.Partitions[i].Name == name {
			return &img.Partitions[i]
		}
	}
	return nil
}

// Extract writes every file from every sub-partition to sink, under
// "<partition>/<file>".
func (img *Image) Extract(sink func(relPath string, data storage.View) error) error {
	for _, p := range img.Partitions {
		part := p
		if err := part.Container.Extract(func(relPath string, data storage.View) error {
			return sink(part.Name+"/"+relPath, data)
		}); err != nil {
			return err
		}
	}
	return nil
}
