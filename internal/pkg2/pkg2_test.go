package pkg2

import (
	"bytes"
	stdaes "crypto/aes"
	stdcipher "crypto/cipher"
	"encoding/binary"
	"testing"

	"github.com/falk/nxinspect/internal/crypto"
	"github.com/falk/nxinspect/internal/storage"
	"github.com/stretchr/testify/require"
)

// buildFixture assembles a raw Package2 image: a CMAC tag, a CBC IV, an
// AES-CBC encrypted 0x1E0-byte header, and an AES-CTR encrypted body
// carrying one populated section (Kernel).
func buildFixture(t *testing.T, key, cbcIV []byte, entryOffset uint32, kernel []byte) []byte {
	t.Helper()

	plainHeader := make([]byte, 0x1E0)
	copy(plainHeader[0x0:0x4], magicPK21)
	binary.LittleEndian.PutUint32(plainHeader[0x4:0x8], entryOffset)
	plainHeader[0xE] = 1 // version

	var sizes [numSections]uint32
	sizes[0] = uint32(len(kernel))
	for i, s := range sizes {
		binary.LittleEndian.PutUint32(plainHeader[0x10+i*4:0x14+i*4], s)
	}
	kernelHash := crypto.SHA256(kernel)
	copy(plainHeader[0x20:0x40], kernelHash[:])

	block, err := stdaes.NewCipher(key)
	require.NoError(t, err)
	cipherHeader := make([]byte, len(plainHeader))
	stdcipher.NewCBCEncrypter(block, cbcIV).CryptBlocks(cipherHeader, plainHeader)

	cmacInput := append(append([]byte(nil), cbcIV...), plainHeader...)
	cmacTag, err := crypto.AESCMAC(key, cmacInput)
	require.NoError(t, err)

	body := append([]byte(nil), kernel...)
	seed := make([]byte, 16)
	copy(seed, cbcIV)
	require.NoError(t, crypto.CTRXor(key, seed, 0, body))

	raw := &bytes.Buffer{}
	raw.Write(cmacTag[:])
	raw.Write(cbcIV)
	raw.Write(cipherHeader)
	raw.Write(body)
	return raw.Bytes()
}

func TestOpen_DecodesHeaderAndVerifiesCmacAndHash(t *testing.T) {
	key := bytes.Repeat([]byte{0x07}, 16)
	cbcIV := bytes.Repeat([]byte{0x03}, 16)
	kernel := []byte("KERNEL_IMAGE_BYTES_0123456789AB")
	raw := buildFixture(t, key, cbcIV, 0x1000, kernel)

	v := storage.NewReaderAtView(bytes.NewReader(raw), int64(len(raw)))
	p, err := Open(v, key)
	require.NoError(t, err)

	require.Equal(t, magicPK21, p.Magic)
	require.True(t, p.CmacOK)
	require.EqualValues(t, 0x1000, p.EntryOffset)
	require.Equal(t, byte(1), p.Version)
	require.True(t, p.Sections[0].HashOK)
	require.True(t, p.Sections[1].HashOK, "an empty section always reports HashOK")

	got, err := storage.ReadFull(p.SectionView(0), p.Sections[0].Size)
	require.NoError(t, err)
	require.Equal(t, kernel, got)
}

func TestOpen_TamperedCmacDetected(t *testing.T) {
	key := bytes.Repeat([]byte{0x07}, 16)
	cbcIV := bytes.Repeat([]byte{0x03}, 16)
	raw := buildFixture(t, key, cbcIV, 0, []byte("KERNEL"))
	raw[0] ^= 0xFF // corrupt the stored CMAC tag

	v := storage.NewReaderAtView(bytes.NewReader(raw), int64(len(raw)))
	p, err := Open(v, key)
	require.NoError(t, err)
	require.False(t, p.CmacOK)
}

func TestOpen_TamperedBodyFailsHashCheck(t *testing.T) {
	key := bytes.Repeat([]byte{0x07}, 16)
	cbcIV := bytes.Repeat([]byte{0x03}, 16)
	kernel := []byte("KERNEL_IMAGE_BYTES_0123456789AB")
	raw := buildFixture(t, key, cbcIV, 0, kernel)

	bodyStart := 0x10 + 0x10 + 0x1E0
	raw[bodyStart] ^= 0xFF

	v := storage.NewReaderAtView(bytes.NewReader(raw), int64(len(raw)))
	p, err := Open(v, key)
	require.NoError(t, err)
	require.True(t, p.CmacOK, "tampering the body shouldn't affect the header CMAC")
	require.False(t, p.Sections[0].HashOK)
}

func TestExtract_SkipsEmptySections(t *testing.T) {
	key := bytes.Repeat([]byte{0x07}, 16)
	cbcIV := bytes.Repeat([]byte{0x03}, 16)
	kernel := []byte("KERNEL")
	raw := buildFixture(t, key, cbcIV, 0, kernel)

	v := storage.NewReaderAtView(bytes.NewReader(raw), int64(len(raw)))
	p, err := Open(v, key)
	require.NoError(t, err)

	seen := map[string]bool{}
	err = p.Extract(func(relPath string, data storage.View) error {
		seen[relPath] = true
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, map[string]bool{"Kernel": true}, seen)
}
