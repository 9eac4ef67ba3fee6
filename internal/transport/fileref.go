package transport

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
)

// FileRef is an opaque handle to a file payload. The queue holds FileRefs
// without reading them; only the upload call consumes the bytes. Refs are
// never serialized; a restored queue item has no FileRef until reattached.
type FileRef interface {
	Name() string
	Size() int64
	ContentType() string
	Open() (io.ReadCloser, error)
}

type osFile struct {
	path  string
	name  string
	size  int64
	ctype string
}

// NewOSFile creates a FileRef backed by a file on disk. The content type is
// sniffed from the first 512 bytes, falling back to the extension.
func NewOSFile(path string) (FileRef, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	ctype := sniffContentType(path)
	return &osFile{
		path:  path,
		name:  filepath.Base(path),
		size:  info.Size(),
		ctype: ctype,
	}, nil
}

func (f *osFile) Name() string          { return f.name }
func (f *osFile) Size() int64           { return f.size }
func (f *osFile) ContentType() string   { return f.ctype }
func (f *osFile) Open() (io.ReadCloser, error) { return os.Open(f.path) }

func sniffContentType(path string) string {
	fh, err := os.Open(path)
	if err == nil {
		defer fh.Close()
		buf := make([]byte, 512)
		n, _ := io.ReadFull(fh, buf)
		if n > 0 {
			ctype := http.DetectContentType(buf[:n])
			if ctype != "application/octet-stream" {
				return ctype
			}
		}
	}
	if byExt := mime.TypeByExtension(filepath.Ext(path)); byExt != "" {
		return byExt
	}
	return "application/octet-stream"
}

// Limits bounds what a batch may contain. Zero values disable a check.
type Limits struct {
	MaxFileBytes     int64
	MaxFilesPerBatch int
	AllowedTypes     []string
}

// ValidateFiles checks count, per-file size, and content type against the
// limits. The first violation is returned as a ValidationError.
func ValidateFiles(files []FileRef, limits Limits) error {
	if len(files) == 0 {
		return &ValidationError{Field: "files", Message: "no files selected"}
	}
	if limits.MaxFilesPerBatch > 0 && len(files) > limits.MaxFilesPerBatch {
		return &ValidationError{
			Field:   "files",
			Message: fmt.Sprintf("batch of %d exceeds the %d file limit", len(files), limits.MaxFilesPerBatch),
		}
	}
	for _, f := range files {
		if limits.MaxFileBytes > 0 && f.Size() > limits.MaxFileBytes {
			return &ValidationError{
				Field:   f.Name(),
				Message: fmt.Sprintf("file exceeds %d byte limit", limits.MaxFileBytes),
			}
		}
		if len(limits.AllowedTypes) > 0 && !typeAllowed(f.ContentType(), limits.AllowedTypes) {
			return &ValidationError{
				Field:   f.Name(),
				Message: fmt.Sprintf("unsupported content type %s", f.ContentType()),
			}
		}
	}
	return nil
}

func typeAllowed(ctype string, allowed []string) bool {
	base := ctype
	if parsed, _, err := mime.ParseMediaType(ctype); err == nil {
		base = parsed
	}
	for _, a := range allowed {
		if base == a {
			return true
		}
	}
	return false
}
