package xci

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/falk/nxinspect/internal/storage"
	"github.com/stretchr/testify/require"
)

const pfs0EntrySize = 24

// buildPFS0 assembles a plain (unhashed) PFS0 blob from a set of named
// byte blobs, mirroring the real tool's entry/string-table/data layout.
func buildPFS0(files []struct {
	name string
	data []byte
}) []byte {
	var stringTable bytes.Buffer
	nameOffsets := make([]uint32, len(files))
	for i, f := range files {
		nameOffsets[i] = uint32(stringTable.Len())
		stringTable.WriteString(f.name)
		stringTable.WriteByte(0)
	}

	var dataRegion bytes.Buffer
	dataOffsets := make([]int64, len(files))
	for i, f := range files {
		dataOffsets[i] = int64(dataRegion.Len())
		dataRegion.Write(f.data)
	}

	header := make([]byte, 16)
	copy(header[0:4], "PFS0")
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(files)))
	binary.LittleEndian.PutUint32(header[8:12], uint32(stringTable.Len()))

	entries := make([]byte, int64(len(files))*pfs0EntrySize)
	for i, f := range files {
		e := entries[int64(i)*pfs0EntrySize:]
		binary.LittleEndian.PutUint64(e[0:8], uint64(dataOffsets[i]))
		binary.LittleEndian.PutUint64(e[8:16], uint64(len(f.data)))
		binary.LittleEndian.PutUint32(e[16:20], nameOffsets[i])
	}

	out := &bytes.Buffer{}
	out.Write(header)
	out.Write(entries)
	out.Write(stringTable.Bytes())
	out.Write(dataRegion.Bytes())
	return out.Bytes()
}

// buildCardImage wraps a root HFS0 (here built as a plain PFS0 table, which
// Open accepts identically since it only checks the root's own magic) inside
// the 0x200-byte outer XCI header.
func buildCardImage(t *testing.T, root []byte) []byte {
	t.Helper()

	const rootOffset = outerHeaderSize
	outer := make([]byte, outerHeaderSize)
	copy(outer[cardHeaderStart:cardHeaderStart+4], magicHead)
	binary.LittleEndian.PutUint32(outer[0x104:0x108], uint32(rootOffset/0x200))
	outer[0x10D] = 0xF0 // CardSize
	binary.LittleEndian.PutUint64(outer[0x140:0x148], 0x0100000000009999)

	raw := &bytes.Buffer{}
	raw.Write(outer)
	raw.Write(root)
	return raw.Bytes()
}

func TestOpen_ParsesOuterHeaderAndSubPartitions(t *testing.T) {
	secure := buildPFS0([]struct {
		name string
		data []byte
	}{
		{"title.nca", []byte("NCA_CONTENTS_OF_SECURE_PARTITION")},
	})
	normal := buildPFS0([]struct {
		name string
		data []byte
	}{
		{"icon.nca", []byte("ICON_NCA_BYTES")},
	})
	root := buildPFS0([]struct {
		name string
		data []byte
	}{
		{"secure", secure},
		{"normal", normal},
	})
	raw := buildCardImage(t, root)

	v := storage.NewReaderAtView(bytes.NewReader(raw), int64(len(raw)))
	img, err := Open(v)
	require.NoError(t, err)

	require.EqualValues(t, 0x0100000000009999, img.Header.PackageID)
	require.Len(t, img.Partitions, 2)

	secPart := img.Partition("secure")
	require.NotNil(t, secPart)
	require.Len(t, secPart.Container.Files, 1)
	require.Equal(t, "title.nca", secPart.Container.Files[0].Name)

	require.Nil(t, img.Partition("update"))
}

func TestOpen_RejectsBadMagic(t *testing.T) {
	raw := make([]byte, outerHeaderSize)
	v := storage.NewReaderAtView(bytes.NewReader(raw), int64(len(raw)))
	_, err := Open(v)
	require.Error(t, err)
}

func TestOpen_SkipsRootEntryThatIsNotAContainer(t *testing.T) {
	root := buildPFS0([]struct {
		name string
		data []byte
	}{
		{"not_a_partition.bin", []byte("just some opaque bytes, not PFS0/HFS0")},
	})
	raw := buildCardImage(t, root)

	v := storage.NewReaderAtView(bytes.NewReader(raw), int64(len(raw)))
	img, err := Open(v)
	require.NoError(t, err)
	require.Empty(t, img.Partitions)
}

func TestExtract_PrefixesRelPathWithPartitionName(t *testing.T) {
	secure := buildPFS0([]struct {
		name string
		data []byte
	}{
		{"title.nca", []byte("NCA_BYTES")},
	})
	root := buildPFS0([]struct {
		name string
		data []byte
	}{
		{"secure", secure},
	})
	raw := buildCardImage(t, root)

	v := storage.NewReaderAtView(bytes.NewReader(raw), int64(len(raw)))
	img, err := Open(v)
	require.NoError(t, err)

	seen := map[string]bool{}
	err = img.Extract(func(relPath string, data storage.View) error {
		seen[relPath] = true
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, map[string]bool{"secure/title.nca": true}, seen)
}
