// Package storage keeps uploaded evidence objects.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// ErrInvalidPath is returned for object paths that escape the store root
var ErrInvalidPath = errors.New("invalid object path")

// Meta describes an uploaded object
type Meta struct {
	ContentType string
	FileName    string
}

const chunkSize = 32 << 10

// LocalStore writes objects under a directory and serves them from PublicBaseURL.
// Uploads land in a temp file that is renamed into place only after the
// full body has been written, so a cancelled upload leaves nothing behind.
type LocalStore struct {
	root    string
	baseURL string
	log     *zap.Logger
}

// NewLocalStore creates the root directory if needed
func NewLocalStore(root, publicBaseURL string, log *zap.Logger) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &LocalStore{
		root:    root,
		baseURL: strings.TrimRight(publicBaseURL, "/"),
		log:     log,
	}, nil
}

// Root returns the directory objects are stored in
func (s *LocalStore) Root() string {
	return s.root
}

func (s *LocalStore) resolve(objectPath string) (string, error) {
	clean := path.Clean("/" + objectPath)
	if clean == "/" || strings.Contains(objectPath, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, objectPath)
	}
	return filepath.Join(s.root, filepath.FromSlash(strings.TrimPrefix(clean, "/"))), nil
}

// Upload copies r into objectPath, reporting bytes written after every chunk.
func (s *LocalStore) Upload(ctx context.Context, objectPath string, r io.Reader, size int64, meta Meta, progress func(written int64)) error {
	full, err := s.resolve(objectPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("create object dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".upload-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	buf := make([]byte, chunkSize)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, readErr := r.Read(buf)
		if n > 0 {
			if _, err := tmp.Write(buf[:n]); err != nil {
				return fmt.Errorf("write object: %w", err)
			}
			written += int64(n)
			if progress != nil {
				progress(written)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("read upload: %w", readErr)
		}
	}

	if size > 0 && written != size {
		return fmt.Errorf("short upload: wrote %d of %d bytes", written, size)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close object: %w", err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		return fmt.Errorf("commit object: %w", err)
	}
	committed = true

	s.log.Debug("object stored",
		zap.String("path", objectPath),
		zap.Int64("bytes", written),
		zap.String("content_type", meta.ContentType),
	)
	return nil
}

// URL returns the public URL of a committed object
func (s *LocalStore) URL(ctx context.Context, objectPath string) (string, error) {
	full, err := s.resolve(objectPath)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(full); err != nil {
		return "", fmt.Errorf("stat object: %w", err)
	}
	return s.baseURL + "/" + strings.TrimPrefix(path.Clean("/"+objectPath), "/"), nil
}

// Open returns a reader for a committed object given its path or public URL
func (s *LocalStore) Open(ctx context.Context, urlOrPath string) (io.ReadCloser, error) {
	full, err := s.resolve(strings.TrimPrefix(urlOrPath, s.baseURL+"/"))
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, fmt.Errorf("open object: %w", err)
	}
	return f, nil
}

// Delete removes an object given its path or public URL. Missing objects are not an error.
func (s *LocalStore) Delete(ctx context.Context, urlOrPath string) error {
	objectPath := strings.TrimPrefix(urlOrPath, s.baseURL+"/")
	full, err := s.resolve(objectPath)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove object: %w", err)
	}
	return nil
}
