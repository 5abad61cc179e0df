// Package keys loads a Switch keyset text file and derives the generation
// keyed key trees (key-area keys, titlekeks, header key) a container
// decoder needs. Key state is a value (*Keyset) rather than a package-level
// global, so a driver can hold one keyset for the primary input and a
// distinct one for a base NCA without cross-talk, and so tests can
// construct synthetic keysets.
package keys

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/falk/nxinspect/internal/containererr"
	"github.com/falk/nxinspect/internal/crypto"
)

// NumGenerations bounds the dense, array-indexed generation tables: each
// generation's key is an optional slot in a fixed-size array rather than a
// sparse map entry.
const NumGenerations = 32

// Keyset holds raw key material plus the keys derived from it. Absence of
// a given generation's keys is represented as a nil slice, never an error;
// callers test for nil and degrade the affected operation.
type Keyset struct {
	raw map[string][]byte

	masterKeys [NumGenerations][]byte

	keyAreaKeyApplication [NumGenerations][]byte
	keyAreaKeyOcean       [NumGenerations][]byte
	keyAreaKeySystem      [NumGenerations][]byte
	titleKek              [NumGenerations][]byte
	package1Key           [NumGenerations][]byte
	package2Key           [NumGenerations][]byte

	headerKey []byte // 32 bytes: two 16-byte XTS halves
	bisKeys   [4][]byte

	headerSigModulus []byte // 0x100 bytes, optional
	acidSigModulus   []byte // 0x100 bytes, optional
}

// TrustAnchors carries the public RSA moduli used to verify NCA header and
// NPDM ACID signatures. It is a value distinct from Keyset's secret key
// material: a caller supplies retail or dev anchors independently of which
// keyset decrypted the container, and a missing anchor simply means the
// signature check is skipped rather than failed.
type TrustAnchors struct {
	HeaderSignatureModulus [0x100]byte
	AcidSignatureModulus   [0x100]byte
}

// New returns an empty keyset with no key material loaded.
func New() *Keyset {
	return &Keyset{raw: make(map[string][]byte)}
}

// Load reads "name = hex_bytes" assignments from path, one per line, `#`
// starting a comment, names matched case-insensitively. Unknown names are
// retained verbatim (ignored by derivation) rather than rejected, so a
// keyset file from a newer revision still loads.
func Load(path string) (*Keyset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ks := New()
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, containererr.New(containererr.KindInvalidKeyfile, fmt.Sprintf("%s:%d", path, lineNo))
		}
		name := strings.ToLower(strings.TrimSpace(parts[0]))
		valHex := strings.TrimSpace(parts[1])
		val, err := hex.DecodeString(valHex)
		if err != nil {
			return nil, containererr.Wrap(containererr.KindInvalidKeyfile, fmt.Sprintf("%s:%d", path, lineNo), err)
		}
		ks.raw[name] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	ks.populateFromRaw()
	return ks, nil
}

// LoadDefault tries the conventional prod.keys locations and returns a
// fresh Keyset value rather than mutating shared state.
func LoadDefault() (*Keyset, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	paths := []string{
		"prod.keys",
		"keys.txt",
		filepath.Join(home, ".switch", "prod.keys"),
		filepath.Join(home, ".switch", "keys.txt"),
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return Load(p)
		}
	}
	return nil, fmt.Errorf("no keys file found")
}

// populateFromRaw fills every directly-nameable slot straight from the
// loaded "name = hex" assignments. Key-area keys and titlekeks seeded here
// are overwritten by DeriveKeys if the keyfile also supplies their source
// constants and a master key. A direct header_key is never overwritten:
// DeriveKeys derives one from header_key_source only when it is absent.
func (ks *Keyset) populateFromRaw() {
	for i := 0; i < NumGenerations; i++ {
		ks.masterKeys[i] = ks.raw[fmt.Sprintf("master_key_%02x", i)]
		ks.package1Key[i] = ks.raw[fmt.Sprintf("package1_key_%02x", i)]
		ks.package2Key[i] = ks.raw[fmt.Sprintf("package2_key_%02x", i)]
		ks.keyAreaKeyApplication[i] = ks.raw[fmt.Sprintf("key_area_key_application_%02x", i)]
		ks.keyAreaKeyOcean[i] = ks.raw[fmt.Sprintf("key_area_key_ocean_%02x", i)]
		ks.keyAreaKeySystem[i] = ks.raw[fmt.Sprintf("key_area_key_system_%02x", i)]
		ks.titleKek[i] = ks.raw[fmt.Sprintf("titlekek_%02x", i)]
	}
	ks.headerKey = ks.raw["header_key"]
	for i := 0; i < 4; i++ {
		ks.bisKeys[i] = ks.raw[fmt.Sprintf("bis_key_%d", i)]
	}
	ks.headerSigModulus = ks.raw["header_sig_key_modulus"]
	ks.acidSigModulus = ks.raw["acid_sig_key_modulus"]
}

// HeaderKey returns the 32-byte (2x16) XTS key pair for NCA headers, or
// nil if not present.
func (ks *Keyset) HeaderKey() []byte { return ks.headerKey }

// MasterKey returns the generation-g master key, or nil.
func (ks *Keyset) MasterKey(g int) []byte {
	if g < 0 || g >= NumGenerations {
		return nil
	}
	return ks.masterKeys[g]
}

// Package2Key returns the generation-g Package2 key, or nil.
func (ks *Keyset) Package2Key(g int) []byte {
	if g < 0 || g >= NumGenerations {
		return nil
	}
	return ks.package2Key[g]
}

// Package1Key returns the generation-g Package1 key, or nil.
func (ks *Keyset) Package1Key(g int) []byte {
	if g < 0 || g >= NumGenerations {
		return nil
	}
	return ks.package1Key[g]
}

// KeyAreaKind selects which of the three key-area lineages to use.
type KeyAreaKind int

const (
	KeyAreaApplication KeyAreaKind = iota
	KeyAreaOcean
	KeyAreaSystem
)

// KeyAreaKey returns the key-area key for (kind, generation g), loaded
// directly from the keyfile or produced by DeriveKeys, or nil if neither
// supplied it.
func (ks *Keyset) KeyAreaKey(kind KeyAreaKind, g int) []byte {
	if g < 0 || g >= NumGenerations {
		return nil
	}
	switch kind {
	case KeyAreaApplication:
		return ks.keyAreaKeyApplication[g]
	case KeyAreaOcean:
		return ks.keyAreaKeyOcean[g]
	case KeyAreaSystem:
		return ks.keyAreaKeySystem[g]
	default:
		return nil
	}
}

// TitleKek returns the titlekek for generation g, loaded directly or
// derived, or nil.
func (ks *Keyset) TitleKek(g int) []byte {
	if g < 0 || g >= NumGenerations {
		return nil
	}
	return ks.titleKek[g]
}

// DeriveKeys runs the generation key-tree derivation for every generation
// whose master key is present. Missing source constants degrade every
// derivation silently: callers test the resulting accessor for nil rather
// than DeriveKeys returning an error.
func (ks *Keyset) DeriveKeys() {
	aesKekGenSrc := ks.raw["aes_kek_generation_source"]
	aesKeyGenSrc := ks.raw["aes_key_generation_source"]
	titleKekSrc := ks.raw["titlekek_source"]

	areaSources := [3][]byte{
		ks.raw["key_area_key_application_source"],
		ks.raw["key_area_key_ocean_source"],
		ks.raw["key_area_key_system_source"],
	}

	if aesKekGenSrc == nil || aesKeyGenSrc == nil {
		return
	}

	if headerKeySrc := ks.raw["header_key_source"]; ks.headerKey == nil && headerKeySrc != nil && ks.masterKeys[0] != nil {
		if hk, err := generateKek(headerKeySrc, ks.masterKeys[0], aesKekGenSrc, aesKeyGenSrc); err == nil {
			ks.headerKey = hk
		}
	}

	for g := 0; g < NumGenerations; g++ {
		master := ks.masterKeys[g]
		if master == nil {
			continue
		}

		if titleKekSrc != nil {
			if tk, err := crypto.ECBDecrypt(titleKekSrc, master); err == nil {
				ks.titleKek[g] = tk
			}
		}

		for kind := 0; kind < 3; kind++ {
			src := areaSources[kind]
			if src == nil {
				continue
			}
			kak, err := generateKek(src, master, aesKekGenSrc, aesKeyGenSrc)
			if err != nil {
				continue
			}
			switch KeyAreaKind(kind) {
			case KeyAreaApplication:
				ks.keyAreaKeyApplication[g] = kak
			case KeyAreaOcean:
				ks.keyAreaKeyOcean[g] = kak
			case KeyAreaSystem:
				ks.keyAreaKeySystem[g] = kak
			}
		}
	}
}

// generateKek implements the three-step kek_source -> master -> kek_seed
// -> key_seed chain shared by the key-area key derivations.
func generateKek(src, masterKey, kekSeed, keySeed []byte) ([]byte, error) {
	kek, err := crypto.ECBDecrypt(kekSeed, masterKey)
	if err != nil {
		return nil, err
	}
	srcKek, err := crypto.ECBDecrypt(src, kek)
	if err != nil {
		return nil, err
	}
	if keySeed != nil {
		return crypto.ECBDecrypt(keySeed, srcKek)
	}
	return srcKek, nil
}

// UnwrapTitleKey decrypts an NCA key-area title key slot with the
// generation-g key-area-application key.
func (ks *Keyset) UnwrapTitleKey(wrapped []byte, g int) ([]byte, error) {
	kak := ks.KeyAreaKey(KeyAreaApplication, g)
	if kak == nil {
		return nil, containererr.MissingKey("key_area_key_application", fmt.Sprintf("%02x", g))
	}
	return crypto.ECBDecrypt(wrapped, kak)
}

// DecryptRightsIdTitleKey decrypts a ticket's encrypted title key using
// the generation-g titlekek.
func (ks *Keyset) DecryptRightsIdTitleKey(encrypted []byte, g int) ([]byte, error) {
	tk := ks.TitleKek(g)
	if tk == nil {
		return nil, containererr.MissingKey("titlekek", fmt.Sprintf("%02x", g))
	}
	return crypto.ECBDecrypt(encrypted, tk)
}

// TrustAnchors returns the public RSA moduli loaded from the keyfile's
// header_sig_key_modulus/acid_sig_key_modulus entries. ok is false if the
// header modulus is absent, since that's the minimum a header signature
// check needs; the ACID modulus is filled in only if present alongside it.
func (ks *Keyset) TrustAnchors() (TrustAnchors, bool) {
	var t TrustAnchors
	if len(ks.headerSigModulus) != 0x100 {
		return t, false
	}
	copy(t.HeaderSignatureModulus[:], ks.headerSigModulus)
	if len(ks.acidSigModulus) == 0x100 {
		copy(t.AcidSignatureModulus[:], ks.acidSigModulus)
	}
	return t, true
}
