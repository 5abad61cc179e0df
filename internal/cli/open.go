package cli

import (
	"os"

	"github.com/falk/nxinspect/internal/storage"
)

// openView opens path as a plain file-backed storage.View.
func openView(path string) (storage.View, func(), error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return storage.NewReaderAtView(f, fi.Size()), func() { f.Close() }, nil
}

// maybeDecompress wraps v in a zstd block decompressor if it begins with
// an NCZSECTN body, otherwise returns v unchanged. Used after decrypting an
// NCA section, since compressed bodies replace plaintext rather than
// ciphertext.
func maybeDecompress(v storage.View) storage.View {
	dec, ok, err := storage.OpenNczBody(v)
	if err != nil || !ok {
		return v
	}
	return dec
}
