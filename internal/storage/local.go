package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

// ErrInvalidKey is returned for keys that would escape the storage root.
var ErrInvalidKey = errors.New("invalid blob key")

// Local keeps blobs in a filesystem rooted at one directory. Keys map to relative paths and
// writes land atomically through a temp file plus rename.
type Local struct {
	fs     afero.Fs
	logger zerolog.Logger
}

// NewLocal prepares root on the OS filesystem and confines every key below it.
func NewLocal(root string, logger zerolog.Logger) (*Local, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("storage directory must be provided")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	osFs := afero.NewOsFs()
	if err := osFs.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	return NewLocalFs(afero.NewBasePathFs(osFs, abs), logger), nil
}

// NewLocalFs stores blobs on an arbitrary afero filesystem.
func NewLocalFs(fsys afero.Fs, logger zerolog.Logger) *Local {
	return &Local{
		fs:     fsys,
		logger: logger.With().Str("component", "local_storage").Logger(),
	}
}

// Upload writes the blob under key and returns the key as its location. An existing blob is
// left untouched.
func (l *Local) Upload(ctx context.Context, key string, reader io.Reader) (string, error) {
	name, err := blobName(key)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	exists, err := afero.Exists(l.fs, name)
	if err != nil {
		return "", fmt.Errorf("stat blob: %w", err)
	}
	if exists {
		return name, nil
	}

	dir := path.Dir(name)
	if err := l.fs.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create blob directory: %w", err)
	}

	tmp, err := afero.TempFile(l.fs, dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create temp blob: %w", err)
	}
	defer l.fs.Remove(tmp.Name())

	written, err := io.Copy(tmp, reader)
	if err != nil {
		tmp.Close()
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("sync blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close blob: %w", err)
	}
	if err := l.fs.Rename(tmp.Name(), name); err != nil {
		return "", fmt.Errorf("commit blob: %w", err)
	}

	l.logger.Debug().Str("key", name).Int64("bytes", written).Msg("blob stored")
	return name, nil
}

// Open returns a reader for a stored blob. Missing blobs yield an error wrapping fs.ErrNotExist.
func (l *Local) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	name, err := blobName(location)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	file, err := l.fs.Open(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("blob %s: %w", location, fs.ErrNotExist)
		}
		return nil, err
	}
	return file, nil
}

// blobName normalises a slash-separated key. Keys must stay relative to the root.
func blobName(key string) (string, error) {
	cleaned := strings.TrimSpace(key)
	if !filepath.IsLocal(filepath.FromSlash(cleaned)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return path.Clean(filepath.ToSlash(cleaned)), nil
}
