// Package romfs implements the RomFS directory/file hash-table tree: four
// packed arrays reachable from a root directory, walked by following
// sibling/child offset chains until the 0xFFFFFFFF terminator.
package romfs

import (
	"encoding/binary"
	"fmt"
	"path"

	"github.com/falk/nxinspect/internal/containererr"
	"github.com/falk/nxinspect/internal/storage"
)

const terminator = 0xFFFFFFFF

// header is the RomFS super-header locating the four tables.
type header struct {
	dirHashTableOffset, dirHashTableSize   int64
	dirMetaTableOffset, dirMetaTableSize   int64
	fileHashTableOffset, fileHashTableSize int64
	fileMetaTableOffset, fileMetaTableSize int64
	dataOffset                             int64
}

// DirEntry is one decoded directory-table entry.
type DirEntry struct {
	Parent        uint32
	NextSibling   uint32
	FirstChildDir uint32
	FirstFile     uint32
	HashNext      uint32
	Name          string
}

// FileEntry is one decoded file-table entry.
type FileEntry struct {
	Parent      uint32
	NextSibling uint32
	DataOffset  int64
	DataSize    int64
	HashNext    uint32
	Name        string
}

// Entry is one item yielded while walking the tree: either a file (View
// non-nil) or a directory (View nil, emitted for its path alone).
type Entry struct {
	Path  string
	IsDir bool
	View  storage.View // nil for directories
	Size  int64
}

// Container is a decoded RomFS ready for traversal.
type Container struct {
	v    storage.View
	hdr  header
	data storage.View
}

// Open parses the RomFS super-header: a 0x50-byte table of offsets/sizes
// for the directory hash table, directory metadata table, file hash table,
// file metadata table, and the data region.
func Open(v storage.View) (*Container, error) {
	raw, err := storage.ReadFull(v, 0x50)
	if err != nil {
		return nil, containererr.Wrap(containererr.KindTruncated, "romfs header", err)
	}

	h := header{
		dirHashTableOffset:   int64(binary.LittleEndian.Uint64(raw[8:16])),
		dirHashTableSize:     int64(binary.LittleEndian.Uint64(raw[16:24])),
		dirMetaTableOffset:   int64(binary.LittleEndian.Uint64(raw[24:32])),
		dirMetaTableSize:     int64(binary.LittleEndian.Uint64(raw[32:40])),
		fileHashTableOffset:  int64(binary.LittleEndian.Uint64(raw[40:48])),
		fileHashTableSize:    int64(binary.LittleEndian.Uint64(raw[48:56])),
		fileMetaTableOffset:  int64(binary.LittleEndian.Uint64(raw[56:64])),
		fileMetaTableSize:    int64(binary.LittleEndian.Uint64(raw[64:72])),
		dataOffset:           int64(binary.LittleEndian.Uint64(raw[72:80])),
	}

	return &Container{
		v:    v,
		hdr:  h,
		data: storage.NewSubView(v, h.dataOffset, v.Size()-h.dataOffset),
	}, nil
}

func (c *Container) readDir(offset uint32) (DirEntry, error) {
	if offset == terminator {
		return DirEntry{}, fmt.Errorf("romfs: terminator offset dereferenced")
	}
	base := c.hdr.dirMetaTableOffset + int64(offset)
	raw, err := storage.ReadFull(storage.NewSubView(c.v, base, 0x18), 0x18)
	if err != nil {
		return DirEntry{}, containererr.Wrap(containererr.KindTruncated, "romfs directory entry", err)
	}
	nameLen := binary.LittleEndian.Uint32(raw[0x14:0x18])
	nameBuf, err := storage.ReadFull(storage.NewSubView(c.v, base+0x18, int64(nameLen)), int64(nameLen))
	if err != nil {
		return DirEntry{}, err
	}
	return DirEntry{
		Parent:        binary.LittleEndian.Uint32(raw[0x0:0x4]),
		NextSibling:   binary.LittleEndian.Uint32(raw[0x4:0x8]),
		FirstChildDir: binary.LittleEndian.Uint32(raw[0x8:0xC]),
		FirstFile:     binary.LittleEndian.Uint32(raw[0xC:0x10]),
		HashNext:      binary.LittleEndian.Uint32(raw[0x10:0x14]),
		Name:          string(nameBuf),
	}, nil
}

func (c *Container) readFile(offset uint32) (FileEntry, error) {
	base := c.hdr.fileMetaTableOffset + int64(offset)
	raw, err := storage.ReadFull(storage.NewSubView(c.v, base, 0x20), 0x20)
	if err != nil {
		return FileEntry{}, containererr.Wrap(containererr.KindTruncated, "romfs file entry", err)
	}
	nameLen := binary.LittleEndian.Uint32(raw[0x1C:0x20])
	nameBuf, err := storage.ReadFull(storage.NewSubView(c.v, base+0x20, int64(nameLen)), int64(nameLen))
	if err != nil {
		return FileEntry{}, err
	}
	return FileEntry{
		Parent:      binary.LittleEndian.Uint32(raw[0x0:0x4]),
		NextSibling: binary.LittleEndian.Uint32(raw[0x4:0x8]),
		DataOffset:  int64(binary.LittleEndian.Uint64(raw[0x8:0x10])),
		DataSize:    int64(binary.LittleEndian.Uint64(raw[0x10:0x18])),
		HashNext:    binary.LittleEndian.Uint32(raw[0x18:0x1C]),
		Name:        string(nameBuf),
	}, nil
}

// Walk performs the recursive directory/file visit, invoking yield for
// every directory (once, including the root with empty name) and every
// file, with paths joined by "/". Each node is reached exactly once via
// its unique parent-chain position, so paths never collide.
func (c *Container) Walk(yield func(Entry) error) error {
	root, err := c.readDir(0)
	if err != nil {
		return err
	}
	return c.walkDir(root, "", yield)
}

func (c *Container) walkDir(dir DirEntry, prefix string, yield func(Entry) error) error {
	dirPath := prefix
	if dir.Name != "" {
		dirPath = path.Join(prefix, dir.Name)
	}
	if err := yield(Entry{Path: dirPath, IsDir: true}); err != nil {
		return err
	}

	for fo := dir.FirstFile; fo != terminator; {
		f, err := c.readFile(fo)
		if err != nil {
			return err
		}
		filePath := path.Join(dirPath, f.Name)
		view := storage.NewSubView(c.data, f.DataOffset, f.DataSize)
		if err := yield(Entry{Path: filePath, View: view, Size: f.DataSize}); err != nil {
			return err
		}
		fo = f.NextSibling
	}

	for co := dir.FirstChildDir; co != terminator; {
		child, err := c.readDir(co)
		if err != nil {
			return err
		}
		if err := c.walkDir(child, dirPath, yield); err != nil {
			return err
		}
		co = child.NextSibling
	}
	return nil
}

// ListPaths returns every directory and file path without reading any
// file contents.
func (c *Container) ListPaths() ([]string, error) {
	var paths []string
	err := c.Walk(func(e Entry) error {
		paths = append(paths, e.Path)
		return nil
	})
	return paths, err
}

// Extract writes every regular file to sink.
func (c *Container) Extract(sink func(relPath string, data storage.View) error) error {
	return c.Walk(func(e Entry) error {
		if e.IsDir {
			return nil
		}
		return sink(e.Path, e.View)
	})
}
