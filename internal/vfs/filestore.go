package vfs

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/vtxmedia/vtx/internal/apperrors"
)

// fileStore serves a file:// root from the local filesystem. root is the
// "file://{authority}" string; authority is treated as an absolute path
// anchor so "file:///data/videos" maps to the OS path "/data/videos".
type fileStore struct {
	base string
}

func newFileStore(root string) *fileStore {
	base := strings.TrimPrefix(root, "file://")
	if base == "" {
		base = "/"
	}
	return &fileStore{base: base}
}

func (s *fileStore) resolve(key string) (string, error) {
	cleaned := filepath.Clean("/" + key)
	resolved := filepath.Join(s.base, cleaned)
	// Reject any resolution that escapes the store's base, including via
	// symlink targets, per §3's Scan Root invariant.
	real, err := filepath.EvalSymlinks(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return resolved, nil
		}
		return "", apperrors.Wrap(apperrors.CodeInvalidURI, "resolving path", err)
	}
	realBase, err := filepath.EvalSymlinks(s.base)
	if err != nil {
		realBase = s.base
	}
	if real != realBase && !strings.HasPrefix(real, realBase+string(filepath.Separator)) {
		return "", apperrors.PermissionDenied()
	}
	return resolved, nil
}

func (s *fileStore) Head(_ context.Context, key string) (Head, error) {
	p, err := s.resolve(key)
	if err != nil {
		return Head{}, err
	}
	info, err := os.Stat(p)
	if err != nil {
		return Head{}, apperrors.NotFound("object", key)
	}
	mtime := info.ModTime()
	return Head{URI: "file://" + s.base + "/" + key, Size: info.Size(), LastModified: &mtime}, nil
}

func (s *fileStore) List(_ context.Context, prefix string) ([]Object, error) {
	root, err := s.resolve(prefix)
	if err != nil {
		return nil, err
	}
	var out []Object
	err = filepath.WalkDir(root, func(p string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			if os.IsNotExist(walkErr) {
				return nil
			}
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		info, infoErr := d.Info()
		if infoErr != nil {
			return nil
		}
		rel, relErr := filepath.Rel(s.base, p)
		if relErr != nil {
			return nil
		}
		out = append(out, Object{
			URI:          "file://" + s.base + "/" + filepath.ToSlash(rel),
			Size:         info.Size(),
			LastModified: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStoreUnavailable, "listing "+prefix, err)
	}
	return out, nil
}

func (s *fileStore) ReadRange(_ context.Context, key string, offset, length int64) ([]byte, error) {
	p, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, apperrors.NotFound("object", key)
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalidURI, "seeking", err)
	}
	buf := make([]byte, length)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, apperrors.Wrap(apperrors.CodeStoreUnavailable, "reading range", err)
	}
	return buf[:n], nil
}

func (s *fileStore) GetStream(_ context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	p, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, apperrors.NotFound("object", key)
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, apperrors.Wrap(apperrors.CodeInvalidURI, "seeking", err)
		}
	}
	if length <= 0 {
		return f, nil
	}
	return &limitedReadCloser{r: io.LimitReader(f, length), c: f}, nil
}

type limitedReadCloser struct {
	r io.Reader
	c io.Closer
}

func (l *limitedReadCloser) Read(p []byte) (int, error) { return l.r.Read(p) }
func (l *limitedReadCloser) Close() error                { return l.c.Close() }
