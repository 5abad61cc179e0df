package storage

import (
	"bytes"
	stdaes "crypto/aes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// xtsEncryptSector mirrors crypto.XTSDecrypt's tweak schedule but calls
// Encrypt, producing a ciphertext sector the production decrypt path should
// invert exactly.
func xtsEncryptSector(t *testing.T, plaintext, key []byte, sector uint64) []byte {
	t.Helper()
	c1, err := stdaes.NewCipher(key[:16])
	require.NoError(t, err)
	c2, err := stdaes.NewCipher(key[16:])
	require.NoError(t, err)

	tweak := make([]byte, 16)
	binary.BigEndian.PutUint64(tweak[8:], sector)
	enc := make([]byte, 16)
	c2.Encrypt(enc, tweak)
	tweak = enc

	out := make([]byte, len(plaintext))
	for i := 0; i < len(plaintext); i += 16 {
		var buf [16]byte
		for j := 0; j < 16; j++ {
			buf[j] = plaintext[i+j] ^ tweak[j]
		}
		var e [16]byte
		c1.Encrypt(e[:], buf[:])
		for j := 0; j < 16; j++ {
			out[i+j] = e[j] ^ tweak[j]
		}
		var carry byte
		for k := 0; k < 16; k++ {
			b := tweak[k]
			next := b >> 7
			tweak[k] = (b << 1) | carry
			carry = next
		}
		if carry != 0 {
			tweak[0] ^= 0x87
		}
	}
	return out
}

func TestXtsView_RoundTripsAcrossMultipleSectors(t *testing.T) {
	key := bytes.Repeat([]byte{0x11}, 32)
	const sectorSize = 16
	initialSector := uint64(3)

	plaintext := bytes.Repeat([]byte{0}, sectorSize*4)
	for i := range plaintext {
		plaintext[i] = byte(i)
	}

	ciphertext := make([]byte, 0, len(plaintext))
	for s := 0; s < 4; s++ {
		sector := initialSector + uint64(s)
		enc := xtsEncryptSector(t, plaintext[s*sectorSize:(s+1)*sectorSize], key, sector)
		ciphertext = append(ciphertext, enc...)
	}

	parent := NewReaderAtView(bytes.NewReader(ciphertext), int64(len(ciphertext)))
	view := NewXtsView(parent, key, sectorSize, initialSector, int64(len(ciphertext)))

	got, err := ReadFull(view, view.Size())
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestXtsView_UnalignedReadSlicesWithinSectors(t *testing.T) {
	key := bytes.Repeat([]byte{0x22}, 32)
	const sectorSize = 16
	plaintext := bytes.Repeat([]byte{0}, sectorSize*2)
	for i := range plaintext {
		plaintext[i] = byte(100 + i)
	}

	ciphertext := make([]byte, 0, len(plaintext))
	for s := 0; s < 2; s++ {
		enc := xtsEncryptSector(t, plaintext[s*sectorSize:(s+1)*sectorSize], key, uint64(s))
		ciphertext = append(ciphertext, enc...)
	}

	parent := NewReaderAtView(bytes.NewReader(ciphertext), int64(len(ciphertext)))
	view := NewXtsView(parent, key, sectorSize, 0, int64(len(ciphertext)))

	buf := make([]byte, 8)
	n, err := view.ReadAt(buf, 12) // straddles sector boundary at 16
	require.NoError(t, err)
	require.Equal(t, 8, n)
	require.Equal(t, plaintext[12:20], buf)
}
