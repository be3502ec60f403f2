// Package source provides the byte sources an upload can read from.
package source

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

const sniffLength = 3072

// Source is a named, sized, random access byte sequence.
type Source interface {
	io.ReaderAt
	Name() string
	Size() int64
}

// ContentTyper is implemented by sources that know their media type.
type ContentTyper interface {
	ContentType() string
}

// File is a Source backed by a file on disk.
type File struct {
	file *os.File
	path string
	size int64
}

// Open opens the file at path for reading.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close() //nolint:errcheck
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		f.Close() //nolint:errcheck
		return nil, fmt.Errorf("%s is a directory", path)
	}

	return &File{file: f, path: path, size: info.Size()}, nil
}

func (f *File) ReadAt(p []byte, off int64) (int, error) {
	return f.file.ReadAt(p, off)
}

// Name returns the base name of the file.
func (f *File) Name() string {
	return filepath.Base(f.path)
}

func (f *File) Size() int64 {
	return f.size
}

func (f *File) Path() string {
	return f.path
}

func (f *File) Close() error {
	return f.file.Close()
}

// Bytes is an in-memory Source.
type Bytes struct {
	reader      *bytes.Reader
	name        string
	contentType string
}

// NewBytes ...
func NewBytes(name string, data []byte) *Bytes {
	return &Bytes{reader: bytes.NewReader(data), name: name}
}

// WithContentType sets an explicit media type, skipping detection.
func (b *Bytes) WithContentType(contentType string) *Bytes {
	b.contentType = contentType
	return b
}

func (b *Bytes) ReadAt(p []byte, off int64) (int, error) {
	return b.reader.ReadAt(p, off)
}

func (b *Bytes) Name() string {
	return b.name
}

func (b *Bytes) Size() int64 {
	return b.reader.Size()
}

func (b *Bytes) ContentType() string {
	return b.contentType
}

// DetectContentType returns the media type of src without parameters, e.g. "image/png".
// An explicit ContentType wins over sniffing the leading bytes.
func DetectContentType(src Source) (string, error) {
	if typer, ok := src.(ContentTyper); ok {
		if contentType := typer.ContentType(); contentType != "" {
			return stripParameters(contentType), nil
		}
	}

	n := src.Size()
	if n > sniffLength {
		n = sniffLength
	}
	mtype, err := mimetype.DetectReader(io.NewSectionReader(src, 0, n))
	if err != nil {
		return "", fmt.Errorf("detect content type of %s: %w", src.Name(), err)
	}

	return stripParameters(mtype.String()), nil
}

func stripParameters(contentType string) string {
	mediaType, _, _ := strings.Cut(contentType, ";")
	return strings.ToLower(strings.TrimSpace(mediaType))
}
