// Package storage keeps uploaded files on local disk for the lifetime of a
// single relay request.
package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"unicode"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

const fallbackName = "upload"

// Saver writes an incoming upload to path. Fiber's Ctx.SaveFile is adapted to
// this shape by the handler.
type Saver func(path string) error

// Scratch is a directory of transient uploads shared by concurrent requests.
type Scratch struct {
	dir string
}

func NewScratch(dir string) (*Scratch, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload dir %s: %w", dir, err)
	}
	return &Scratch{dir: dir}, nil
}

func (s *Scratch) Dir() string {
	return s.dir
}

// Upload is a file held in scratch storage. Release must be called once the
// caller is done with it; further calls are no-ops.
type Upload struct {
	Filename    string
	ContentType string
	Path        string

	once       sync.Once
	releaseErr error
}

// Acquire stores a new upload under a unique name derived from filename.
// On error nothing is left behind in the scratch directory.
func (s *Scratch) Acquire(filename, contentType string, save Saver) (*Upload, error) {
	name := SanitizeFilename(filename)
	path := filepath.Join(s.dir, uuid.NewString()+"-"+name)

	if err := save(path); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("failed to save upload %s: %w", name, err)
	}

	if contentType == "" {
		mt, err := mimetype.DetectFile(path)
		if err != nil {
			_ = os.Remove(path)
			return nil, fmt.Errorf("failed to detect content type of %s: %w", name, err)
		}
		contentType = mt.String()
	}

	return &Upload{
		Filename:    name,
		ContentType: contentType,
		Path:        path,
	}, nil
}

// Open opens the stored bytes for reading.
func (u *Upload) Open() (*os.File, error) {
	return os.Open(u.Path)
}

func (u *Upload) Release() error {
	u.once.Do(func() {
		if err := os.Remove(u.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			u.releaseErr = fmt.Errorf("failed to remove upload %s: %w", u.Path, err)
		}
	})
	return u.releaseErr
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// SanitizeFilename reduces name to a single safe path component: ASCII
// letters, digits, '_', '.' and '-', with separators and whitespace folded to
// '_' and no leading or trailing dots or underscores.
func SanitizeFilename(name string) string {
	name = norm.NFKD.String(name)
	name = strings.Map(func(r rune) rune {
		if r > unicode.MaxASCII {
			return -1
		}
		if r == '/' || r == '\\' {
			return ' '
		}
		return r
	}, name)
	name = strings.Join(strings.Fields(name), "_")
	name = unsafeChars.ReplaceAllString(name, "")
	name = strings.Trim(name, "._")

	if name == "" {
		return fallbackName
	}
	return name
}
