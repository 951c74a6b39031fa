// Package ingest turns user-selected file handles into their text content.
package ingest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"cloud.google.com/go/storage"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// File is a handle to a selected source file. Opening it may touch the
// network or the disk; the content is only read by ReadText.
type File interface {
	Name() string
	Open(ctx context.Context) (io.ReadCloser, error)
}

// ReadError reports a file whose content could not be read or decoded.
type ReadError struct {
	FileName string
	Err      error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read %s: %v", e.FileName, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// ReadText buffers the whole file and decodes it as UTF-8 text. A leading
// byte order mark is dropped and invalid sequences become U+FFFD.
func ReadText(ctx context.Context, f File) (string, error) {
	rc, err := f.Open(ctx)
	if err != nil {
		return "", &ReadError{FileName: f.Name(), Err: err}
	}
	defer rc.Close()

	decoded, err := io.ReadAll(transform.NewReader(rc, unicode.UTF8BOM.NewDecoder()))
	if err != nil {
		return "", &ReadError{FileName: f.Name(), Err: err}
	}
	return string(decoded), nil
}

// MemoryFile holds content captured from an upload.
type MemoryFile struct {
	name string
	data []byte
}

func NewMemoryFile(name string, data []byte) *MemoryFile {
	return &MemoryFile{name: name, data: data}
}

func (f *MemoryFile) Name() string { return f.name }

func (f *MemoryFile) Open(context.Context) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(f.data)), nil
}

// LocalFile is a file on disk. Its name is the base name of the path.
type LocalFile struct {
	Path string
}

func (f LocalFile) Name() string { return filepath.Base(f.Path) }

func (f LocalFile) Open(context.Context) (io.ReadCloser, error) {
	return os.Open(f.Path)
}

// GCSFile is an object in a Cloud Storage bucket.
type GCSFile struct {
	client *storage.Client
	bucket string
	object string
}

func NewGCSFile(client *storage.Client, bucket, object string) *GCSFile {
	return &GCSFile{client: client, bucket: bucket, object: object}
}

// Name returns the last path element of the object name.
func (f *GCSFile) Name() string { return filepath.Base(f.object) }

func (f *GCSFile) Open(ctx context.Context) (io.ReadCloser, error) {
	r, err := f.client.Bucket(f.bucket).Object(f.object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get GCS object reader for gs://%s/%s: %w", f.bucket, f.object, err)
	}
	return r, nil
}
