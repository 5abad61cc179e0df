package nca

import (
	"fmt"

	"github.com/falk/nxinspect/internal/bktr"
	"github.com/falk/nxinspect/internal/containererr"
	"github.com/falk/nxinspect/internal/crypto"
	"github.com/falk/nxinspect/internal/keys"
	"github.com/falk/nxinspect/internal/storage"
)

// Nca is a fully parsed NCA: header plus enough context (keyset, source
// view) to build section views on demand.
type Nca struct {
	Header *Header
	src    storage.View
	ks     *keys.Keyset

	// SectionHashOK[i] records whether section i's FS header hash matched
	// the section table entry; always computed, never fatal on its own.
	SectionHashOK [4]bool
}

// Open parses the NCA header found at the start of src.
func Open(src storage.View, ks *keys.Keyset) (*Nca, error) {
	h, err := ParseHeader(src, ks)
	if err != nil {
		return nil, err
	}
	n := &Nca{Header: h, src: src, ks: ks}
	n.checkSectionHashes()
	return n, nil
}

func (n *Nca) checkSectionHashes() {
	for i := range n.Header.FsHeaders {
		entry := n.Header.SectionTables[i]
		if entry.MediaStartOffset == 0 && entry.MediaEndOffset == 0 {
			continue
		}
		enc, err := storage.ReadFull(storage.NewSubView(n.src, int64(0x400+i*0x200), 0x200), 0x200)
		if err != nil {
			continue
		}
		buf, err := crypto.XTSDecrypt(enc, n.ks.HeaderKey(), uint64(2+i))
		if err != nil {
			continue
		}
		// The section table's FS header hashes sit at 0x280, i.e. sigData[0x80:].
		var want [32]byte
		copy(want[:], n.Header.sigData[0x80+i*0x20:0xA0+i*0x20])
		n.SectionHashOK[i] = crypto.SHA256(buf) == want
	}
}

// Verify checks the RSA-PSS signature over the signed header region against
// anchors.HeaderSignatureModulus. It records the result but leaves the
// decision to abort to the caller.
func (n *Nca) Verify(anchors keys.TrustAnchors) bool {
	hash := crypto.SHA256(n.Header.sigData)
	ok := crypto.RSA2048PSSVerify(anchors.HeaderSignatureModulus[:], hash[:], n.Header.fixedKeySig[:])
	n.Header.SignatureValid = &ok
	return ok
}

// ResolveTitleKey sets Header.TitleKey from either an externally supplied
// title key (a ticket override) or by unwrapping the NCA's own key-area
// title-key slot, depending on HasRightsID.
func (n *Nca) ResolveTitleKey(titleKeyOverride []byte) error {
	if titleKeyOverride != nil {
		n.Header.TitleKey = titleKeyOverride
		return nil
	}
	if !n.Header.HasRightsID() {
		return nil
	}
	g := n.Header.effectiveKeyGeneration()
	encrypted := n.Header.KeyArea[0x20:0x30]
	tk, err := n.ks.DecryptRightsIdTitleKey(encrypted, g)
	if err != nil {
		return err
	}
	n.Header.TitleKey = tk
	return nil
}

// BodyKey computes the body key used to decrypt section i: rights-id
// crypto uses the externally supplied/ticket title key directly; key-area
// crypto unwraps the FS header's key-area-key-index slot with the
// generation- and lineage-appropriate key-area key.
func (n *Nca) BodyKey(fh *FsHeader, contentKeyOverride []byte) ([]byte, error) {
	if contentKeyOverride != nil {
		return contentKeyOverride, nil
	}
	if n.Header.HasRightsID() {
		if n.Header.TitleKey == nil {
			return nil, containererr.MissingKey("title_key", "-")
		}
		return n.Header.TitleKey, nil
	}

	g := n.Header.effectiveKeyGeneration()
	var kind keys.KeyAreaKind
	switch n.Header.KeyAreaIndex {
	case 1:
		kind = keys.KeyAreaOcean
	case 2:
		kind = keys.KeyAreaSystem
	default:
		kind = keys.KeyAreaApplication
	}
	kak := n.ks.KeyAreaKey(kind, g)
	if kak == nil {
		return nil, containererr.MissingKey(fmt.Sprintf("key_area_key_%d", n.Header.KeyAreaIndex), fmt.Sprintf("%02x", g))
	}

	slot := int(fh.KeyAreaKeyIdx)
	if fh.CryptoType == CryptoXTS {
		if slot+1 >= 3 {
			slot = 0
		}
		lo, err := crypto.ECBDecrypt(n.Header.KeyArea[slot*0x10:slot*0x10+0x10], kak)
		if err != nil {
			return nil, err
		}
		hi, err := crypto.ECBDecrypt(n.Header.KeyArea[(slot+1)*0x10:(slot+1)*0x10+0x10], kak)
		if err != nil {
			return nil, err
		}
		return append(lo, hi...), nil
	}
	return crypto.ECBDecrypt(n.Header.KeyArea[slot*0x10:slot*0x10+0x10], kak)
}

// Section describes one decoded NCA section, ready to be handed to the
// appropriate inner decoder.
type Section struct {
	Index         int
	OffsetInFile  int64
	Size          int64
	Header        *FsHeader
	View          storage.View // the decrypted storage view for this section
	HashHeaderOK  bool
	BktrTables    *bktr.Tables // non-nil only for CryptoBKTR sections
}

// OpenSection builds the storage view for section i.
// base, if non-nil, is the base NCA's already-decoded RomFS section view,
// required only for BKTR sections.
func (n *Nca) OpenSection(i int, contentKeyOverride []byte, base storage.View) (*Section, error) {
	entry := n.Header.SectionTables[i]
	if entry.MediaEndOffset <= entry.MediaStartOffset {
		return nil, fmt.Errorf("section %d not present", i)
	}
	fh := &n.Header.FsHeaders[i]

	offset := int64(entry.MediaStartOffset) * MediaUnit
	size := int64(entry.MediaEndOffset)*MediaUnit - offset
	raw := storage.NewSubView(n.src, offset, size)

	sec := &Section{Index: i, OffsetInFile: offset, Size: size, Header: fh, HashHeaderOK: n.SectionHashOK[i]}

	key, err := n.BodyKey(fh, contentKeyOverride)
	if err != nil {
		sec.View = nil
		return sec, err
	}

	baseSeed := buildBaseCounter(fh.CryptoCounter[:])

	switch fh.CryptoType {
	case CryptoNone:
		sec.View = raw
	case CryptoCTR:
		sec.View = storage.NewCtrView(n.src, key, baseSeed, offset, size)
	case CryptoXTS:
		sec.View = storage.NewXtsView(raw, key, MediaUnit, uint64(offset/MediaUnit), size)
	case CryptoBKTR:
		tables, err := bktr.ParseTables(
			raw, offset,
			bridgeHeader(fh.BktrRelocation), bridgeHeader(fh.BktrSubsection),
			key, baseSeed,
		)
		if err != nil {
			return sec, err
		}
		sec.BktrTables = tables
		view, err := bktr.NewView(tables, base, n.src, key, baseSeed, offset)
		if err != nil {
			return sec, err
		}
		sec.View = view
	default:
		return sec, fmt.Errorf("section %d: unknown crypto type %d", i, fh.CryptoType)
	}

	return sec, nil
}

func bridgeHeader(h *BktrHeader) *bktr.BucketHeader {
	if h == nil {
		return nil
	}
	return &bktr.BucketHeader{Offset: h.Offset, Size: h.Size}
}
