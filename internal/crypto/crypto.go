// Package crypto implements the pure, side-effect-free primitives the
// container formats are built from: AES-ECB/CBC/CTR/XTS, SHA-256,
// RSA-2048-PSS signature verification and AES-CMAC. Every function here
// operates on caller-owned buffers and has no notion of a "container" —
// that composition lives in internal/storage and internal/nca.
package crypto

import (
	stdcrypto "crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/big"
)

// ecbBlocks runs transform over every block-sized chunk of data under key,
// the shared loop ECBDecrypt and ECBEncrypt both need.
func ecbBlocks(data, key []byte, transform func(block cipher.Block, dst, src []byte)) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	size := block.BlockSize()
	if len(data)%size != 0 {
		return nil, fmt.Errorf("data length not multiple of block size")
	}
	out := make([]byte, len(data))
	for i := 0; i < len(data); i += size {
		transform(block, out[i:i+size], data[i:i+size])
	}
	return out, nil
}

// ECBDecrypt decrypts data using AES-ECB. ECB has no place in general
// purpose cryptography, but the Switch key-derivation chain (master key ->
// KEK -> key-area key / titlekek) is defined in terms of it.
func ECBDecrypt(data, key []byte) ([]byte, error) {
	return ecbBlocks(data, key, func(b cipher.Block, dst, src []byte) { b.Decrypt(dst, src) })
}

// ECBEncrypt is the encrypting counterpart of ECBDecrypt, used nowhere in
// the decode path but kept symmetric for key-derivation unit tests.
func ECBEncrypt(data, key []byte) ([]byte, error) {
	return ecbBlocks(data, key, func(b cipher.Block, dst, src []byte) { b.Encrypt(dst, src) })
}

// CBCDecrypt decrypts data using AES-CBC, used for the Package1 body.
func CBCDecrypt(key, iv, buf []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(buf)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("data length not multiple of block size")
	}
	out := make([]byte, len(buf))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, buf)
	return out, nil
}

// NewCTRStream builds an AES-CTR keystream for a read starting at
// absoluteOffset. iv holds the section's 16-byte counter seed; bytes 8-15
// are overwritten with big-endian (absoluteOffset >> 4), i.e. the 16-byte
// block index, per the NCA counter convention.
func NewCTRStream(key, iv []byte, absoluteOffset int64) (cipher.Stream, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	counter := make([]byte, 16)
	copy(counter, iv)
	binary.BigEndian.PutUint64(counter[8:], uint64(absoluteOffset>>4))
	return cipher.NewCTR(block, counter), nil
}

// CTRXor applies the AES-CTR keystream for (key, iv, absoluteOffset) to buf
// in place. Unaligned reads still decrypt correctly because the stream is
// always derived from the 16-byte-aligned block containing absoluteOffset;
// callers that start mid-block must pre-advance the stream by the
// remainder, which NewCTRStream's caller (internal/storage) handles by
// buffering the enclosing block.
func CTRXor(key, iv []byte, absoluteOffset int64, buf []byte) error {
	stream, err := NewCTRStream(key, iv, absoluteOffset)
	if err != nil {
		return err
	}
	stream.XORKeyStream(buf, buf)
	return nil
}

// xorBytes XORs the first 16 bytes of a and b into dst. Shared by AESCMAC's
// block chaining and xtsTweak's per-block mask.
func xorBytes(dst, a, b []byte) {
	for i := 0; i < 16; i++ {
		dst[i] = a[i] ^ b[i]
	}
}

// xtsTweak is the running AES-XTS sector tweak. Each 16-byte data block
// masks with the current tweak value and then the tweak doubles itself in
// GF(2^128) (polynomial x^128 + x^7 + x^2 + x + 1, i.e. reduction constant
// 0x87) before the next block.
type xtsTweak [16]byte

// newXtsTweak seeds the tweak from the Switch's big-endian sector-number
// convention and encrypts it once under the XTS tweak key.
func newXtsTweak(tweakCipher cipher.Block, sector uint64) xtsTweak {
	var seed, out xtsTweak
	binary.BigEndian.PutUint64(seed[8:], sector)
	tweakCipher.Encrypt(out[:], seed[:])
	return out
}

func (t xtsTweak) mask(dst, src []byte) {
	xorBytes(dst, src, t[:])
}

func (t *xtsTweak) double() {
	var carry byte
	for i := 0; i < 16; i++ {
		next := t[i] >> 7
		t[i] = (t[i] << 1) | carry
		carry = next
	}
	if carry != 0 {
		t[0] ^= 0x87
	}
}

// XTSDecrypt decrypts a single sector using AES-128-XTS with the Switch's
// big-endian sector tweak convention. key is 32 bytes: 16-byte data key
// (K1) followed by 16-byte tweak key (K2).
func XTSDecrypt(data, key []byte, sector uint64) ([]byte, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("XTS key must be 32 bytes (2x16) for AES-128")
	}
	dataCipher, err := aes.NewCipher(key[:16])
	if err != nil {
		return nil, err
	}
	tweakCipher, err := aes.NewCipher(key[16:])
	if err != nil {
		return nil, err
	}

	tweak := newXtsTweak(tweakCipher, sector)
	out := make([]byte, len(data))
	var masked [16]byte
	for i := 0; i < len(data); i += 16 {
		tweak.mask(masked[:], data[i:i+16])
		dataCipher.Decrypt(masked[:], masked[:])
		tweak.mask(out[i:i+16], masked[:])
		tweak.double()
	}
	return out, nil
}

// SHA256 hashes buf. A thin named wrapper keeps call sites (FS header
// hashing, HFS0 prefix hashing, IVFC block hashing) readable as domain
// operations rather than bare stdlib calls.
func SHA256(buf []byte) [32]byte {
	return sha256.Sum256(buf)
}

// RSA2048PSSVerify verifies an RSASSA-PSS signature over a pre-computed
// SHA-256 message hash, using the fixed salt length (32) and exponent
// (0x10001) the NCA/NPDM/NSO header signing scheme always uses.
func RSA2048PSSVerify(modulus []byte, messageHash, signature []byte) bool {
	if len(modulus) != 0x100 || len(signature) != 0x100 {
		return false
	}
	pub := &rsa.PublicKey{
		N: new(big.Int).SetBytes(modulus),
		E: 0x10001,
	}
	err := rsa.VerifyPSS(pub, stdcrypto.SHA256, messageHash, signature, &rsa.PSSOptions{
		SaltLength: 32,
		Hash:       stdcrypto.SHA256,
	})
	return err == nil
}

// AESCMAC computes AES-128-CMAC (RFC 4493) over buf. The standard library
// has no CMAC primitive; this hand-rolls it directly on top of crypto/aes
// the same way internal/crypto hand-rolls XTS, since no third-party
// dependency in the retrieved corpus offers CMAC either.
func AESCMAC(key, buf []byte) ([16]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return [16]byte{}, err
	}

	zero := make([]byte, 16)
	l := make([]byte, 16)
	block.Encrypt(l, zero)

	k1 := cmacShiftXor(l)
	k2 := cmacShiftXor(k1[:])

	var mLast [16]byte
	n := (len(buf) + 15) / 16
	complete := n > 0 && len(buf)%16 == 0

	if n == 0 {
		padded := make([]byte, 16)
		padded[0] = 0x80
		xorBytes(mLast[:], padded, k2[:])
		n = 1
	} else if complete {
		xorBytes(mLast[:], buf[len(buf)-16:], k1[:])
	} else {
		last := make([]byte, 16)
		copy(last, buf[(n-1)*16:])
		last[len(buf)-(n-1)*16] = 0x80
		xorBytes(mLast[:], last, k2[:])
	}

	x := make([]byte, 16)
	for i := 0; i < n-1; i++ {
		y := make([]byte, 16)
		xorBytes(y, x, buf[i*16:(i+1)*16])
		block.Encrypt(x, y)
	}
	y := make([]byte, 16)
	xorBytes(y, x, mLast[:])
	var out [16]byte
	block.Encrypt(out[:], y)
	return out, nil
}

// cmacShiftXor left-shifts a 16-byte big-endian value by one bit and XORs
// in the CMAC reduction constant (Rb = 0x87) if a bit was carried out.
func cmacShiftXor(in []byte) [16]byte {
	var out [16]byte
	msb := in[0] >> 7
	var carry byte
	for i := 15; i >= 0; i-- {
		next := in[i] >> 7
		out[i] = (in[i] << 1) | carry
		carry = next
	}
	if msb != 0 {
		out[15] ^= 0x87
	}
	return out
}
