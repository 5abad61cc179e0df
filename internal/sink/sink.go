// Package sink implements the output sink every extraction operation
// writes through: a function from (relative path, data view) to error,
// decoupling decoders from the destination filesystem.
package sink

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/falk/nxinspect/internal/storage"
)

// Func is the sink signature every Extract method accepts.
type Func func(relPath string, data storage.View) error

// Filesystem returns a Func that writes each entry under root, creating
// parent directories as needed. It rejects any relative path with a ".."
// component, treating a malicious or corrupt path table as a structural
// error rather than letting it touch anything outside root. A leading "/"
// is not rejected: such a path is written under root.
func Filesystem(root string) Func {
	return func(relPath string, data storage.View) error {
		clean, err := safeJoin(root, relPath)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(clean), 0o755); err != nil {
			return err
		}
		f, err := os.Create(clean)
		if err != nil {
			return err
		}
		defer f.Close()

		buf := make([]byte, 1<<20)
		var off int64
		size := data.Size()
		for off < size {
			n := int64(len(buf))
			if size-off < n {
				n = size - off
			}
			m, err := data.ReadAt(buf[:n], off)
			if m > 0 {
				if _, werr := f.Write(buf[:m]); werr != nil {
					return werr
				}
				off += int64(m)
			}
			if err != nil {
				if err == io.EOF {
					break
				}
				return err
			}
		}
		return nil
	}
}

func safeJoin(root, relPath string) (string, error) {
	// Check the path as given: cleaning "/"+relPath first would drop any
	// leading ".." components before they could be seen.
	for _, part := range strings.Split(filepath.ToSlash(relPath), "/") {
		if part == ".." {
			return "", fmt.Errorf("sink: path %q escapes extraction root", relPath)
		}
	}
	cleaned := filepath.Clean("/" + relPath)
	return filepath.Join(root, cleaned), nil
}
