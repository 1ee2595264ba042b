package book

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// namespace scopes the name-based UUIDs produced by Identify.
var namespace = uuid.MustParse("6c1b0f0e-5a8e-4f61-9a52-3a7c2d9d0b17")

// Identity is the stable identity of a source document.
type Identity struct {
	ID         string
	Path       string
	ContentSig string
	ModTime    time.Time
}

// Identify derives a book identity from the absolute source path and the
// sha256 of its bytes. The same file at the same path always yields the same
// ID; editing or moving it yields a new one.
func Identify(path string) (Identity, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Identity{}, Resource("resolve path", err)
	}

	f, err := os.Open(abs)
	if err != nil {
		return Identity{}, Resource("open source", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Identity{}, Resource("stat source", err)
	}

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return Identity{}, Resource("hash source", err)
	}
	sig := hex.EncodeToString(h.Sum(nil))

	return Identity{
		ID:         IDFor(abs, sig),
		Path:       abs,
		ContentSig: sig,
		ModTime:    info.ModTime().UTC(),
	}, nil
}

// IDFor computes the book ID for an absolute path and content signature.
func IDFor(absPath, contentSig string) string {
	return uuid.NewSHA1(namespace, []byte(fmt.Sprintf("%s\x00%s", absPath, contentSig))).String()
}
