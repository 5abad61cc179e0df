package pfs0

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/falk/nxinspect/internal/crypto"
	"github.com/falk/nxinspect/internal/storage"
	"github.com/stretchr/testify/require"
)

type fixtureFile struct {
	name string
	data []byte
}

// buildContainer assembles a raw PFS0 or HFS0 image from a set of files,
// computing the string table and entry table the way the real tool format
// does: entries first, then a NUL-terminated name table, then contiguous
// file data.
func buildContainer(t *testing.T, magic string, entrySize int, files []fixtureFile, hashedPrefix int) []byte {
	t.Helper()

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

	entriesSize := int64(len(files)) * int64(entrySize)
	headerSize := 16 + entriesSize + int64(stringTable.Len())

	header := make([]byte, 16)
	copy(header[0:4], magic)
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(files)))
	binary.LittleEndian.PutUint32(header[8:12], uint32(stringTable.Len()))

	entries := make([]byte, entriesSize)
	for i, f := range files {
		e := entries[int64(i)*int64(entrySize):]
		binary.LittleEndian.PutUint64(e[0:8], uint64(dataOffsets[i]))
		binary.LittleEndian.PutUint64(e[8:16], uint64(len(f.data)))
		binary.LittleEndian.PutUint32(e[16:20], nameOffsets[i])
		if entrySize == hfs0EntrySize {
			hashed := hashedPrefix
			if hashed > len(f.data) {
				hashed = len(f.data)
			}
			binary.LittleEndian.PutUint32(e[20:24], uint32(hashed))
			h := crypto.SHA256(f.data[:hashed])
			copy(e[32:64], h[:])
		}
	}

	out := &bytes.Buffer{}
	out.Write(header)
	out.Write(entries)
	out.Write(stringTable.Bytes())
	_ = headerSize
	out.Write(dataRegion.Bytes())
	return out.Bytes()
}

func TestOpen_PFS0_ListsFilesAndExtractsData(t *testing.T) {
	files := []fixtureFile{
		{"Main.npdm", []byte("NPDM_CONTENTS_HERE")},
		{"control.nacp", []byte("NACP_DATA")},
	}
	raw := buildContainer(t, "PFS0", pfs0EntrySize, files, 0)

	v := storage.NewReaderAtView(bytes.NewReader(raw), int64(len(raw)))
	c, err := Open(v)
	require.NoError(t, err)
	require.Equal(t, KindPFS0, c.Kind)
	require.Len(t, c.Files, 2)
	require.Equal(t, "Main.npdm", c.Files[0].Name)
	require.Equal(t, "control.nacp", c.Files[1].Name)

	buf, err := storage.ReadFull(c.FileView(c.Files[0]), c.Files[0].Size)
	require.NoError(t, err)
	require.Equal(t, files[0].data, buf)

	ok, err := c.VerifyFile(c.Files[0])
	require.NoError(t, err)
	require.True(t, ok, "PFS0 entries have no hash and always verify true")
}

func TestOpen_HFS0_VerifiesPrefixHash(t *testing.T) {
	files := []fixtureFile{
		{"00", []byte("SOME PARTITION BYTES, MORE THAN PREFIX LENGTH")},
	}
	raw := buildContainer(t, "HFS0", hfs0EntrySize, files, 16)

	v := storage.NewReaderAtView(bytes.NewReader(raw), int64(len(raw)))
	c, err := Open(v)
	require.NoError(t, err)
	require.Equal(t, KindHFS0, c.Kind)

	ok, err := c.VerifyFile(c.Files[0])
	require.NoError(t, err)
	require.True(t, ok)
}

func TestOpen_HFS0_DetectsCorruptedPrefix(t *testing.T) {
	files := []fixtureFile{
		{"00", []byte("SOME PARTITION BYTES, MORE THAN PREFIX LENGTH")},
	}
	raw := buildContainer(t, "HFS0", hfs0EntrySize, files, 16)
	// Corrupt a byte inside the hashed prefix region of the data.
	headerSize := 16 + int64(len(files))*hfs0EntrySize + int64(len("00")+1)
	raw[headerSize] ^= 0xFF

	v := storage.NewReaderAtView(bytes.NewReader(raw), int64(len(raw)))
	c, err := Open(v)
	require.NoError(t, err)

	ok, err := c.VerifyFile(c.Files[0])
	require.NoError(t, err)
	require.False(t, ok)
}

func TestOpen_RejectsBadMagic(t *testing.T) {
	v := storage.NewReaderAtView(bytes.NewReader(make([]byte, 16)), 16)
	_, err := Open(v)
	require.Error(t, err)
}

func TestExtract_InvokesSinkForEveryFile(t *testing.T) {
	files := []fixtureFile{
		{"a.bin", []byte("aaaa")},
		{"b.bin", []byte("bbbbbb")},
	}
	raw := buildContainer(t, "PFS0", pfs0EntrySize, files, 0)
	v := storage.NewReaderAtView(bytes.NewReader(raw), int64(len(raw)))
	c, err := Open(v)
	require.NoError(t, err)

	seen := map[string]int64{}
	err = c.Extract(func(relPath string, data storage.View) error {
		seen[relPath] = data.Size()
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, map[string]int64{"a.bin": 4, "b.bin": 6}, seen)
}
