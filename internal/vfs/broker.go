// Package vfs implements the VFS Broker (§4.B): a URI-addressed abstraction
// over file:// and s3:// object stores with a lazy, keyed store cache.
package vfs

import (
	"context"
	"io"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/vtxmedia/vtx/internal/apperrors"
)

// Object describes one entry yielded by List.
type Object struct {
	URI          string
	Size         int64
	LastModified time.Time
}

// Head is the metadata head returns for a single object.
type Head struct {
	URI          string
	Size         int64
	LastModified *time.Time
	ETag         string
}

// objectStore is the per-scheme backend a Broker dispatches to once a URI
// is split into (root, relative key).
type objectStore interface {
	Head(ctx context.Context, key string) (Head, error)
	List(ctx context.Context, prefix string) ([]Object, error)
	ReadRange(ctx context.Context, key string, offset, length int64) ([]byte, error)
	GetStream(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error)
}

// Broker is the shared VFS entry point. Stores are created lazily and
// cached per normalized root, matching §4.B's "file://{normalized_root}"
// and "bucket name" cache keys.
type Broker struct {
	mu      sync.Mutex
	stores  map[string]objectStore
	factory map[string]func(root string) (objectStore, error)
}

func NewBroker() *Broker {
	b := &Broker{
		stores: map[string]objectStore{},
	}
	b.factory = map[string]func(root string) (objectStore, error){
		"file": func(root string) (objectStore, error) { return newFileStore(root), nil },
		"s3":   func(root string) (objectStore, error) { return newS3Store(root) },
	}
	return b
}

// Normalize resolves "."/".." segments in uri's path, preserving trailing
// slash semantics, and returns the canonical form.
func Normalize(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme == "" || (u.Host == "" && u.Scheme != "file") {
		return "", apperrors.InvalidURI(uri)
	}
	trailingSlash := strings.HasSuffix(u.Path, "/") && u.Path != "/"
	cleaned := path.Clean(u.Path)
	if cleaned == "." {
		cleaned = "/"
	}
	if !strings.HasPrefix(cleaned, "/") {
		cleaned = "/" + cleaned
	}
	if trailingSlash && !strings.HasSuffix(cleaned, "/") {
		cleaned += "/"
	}
	u.Path = cleaned
	return u.String(), nil
}

// EnsurePrefix normalizes uri and guarantees a trailing slash.
func EnsurePrefix(uri string) (string, error) {
	normalized, err := Normalize(uri)
	if err != nil {
		return "", err
	}
	if !strings.HasSuffix(normalized, "/") {
		normalized += "/"
	}
	return normalized, nil
}

// MatchAllowedPrefix returns the normalized form of requested if its
// scheme+authority match at least one of allowedRoots and its path is
// that root's path or a descendant of it. An empty allow-list is a
// configuration error.
func MatchAllowedPrefix(requested string, allowedRoots []string) (string, error) {
	if len(allowedRoots) == 0 {
		return "", apperrors.Unconfigured("VFS allowed roots")
	}
	normalized, err := Normalize(requested)
	if err != nil {
		return "", err
	}
	reqURL, _ := url.Parse(normalized)

	for _, root := range allowedRoots {
		rootPrefixed, err := EnsurePrefix(root)
		if err != nil {
			continue
		}
		rootURL, _ := url.Parse(rootPrefixed)
		if rootURL.Scheme != reqURL.Scheme || rootURL.Host != reqURL.Host {
			continue
		}
		reqPath := reqURL.Path
		if !strings.HasSuffix(reqPath, "/") {
			reqPath += "/"
		}
		if reqPath == rootURL.Path || strings.HasPrefix(reqPath, rootURL.Path) {
			return normalized, nil
		}
	}
	return "", apperrors.PermissionDenied()
}

// splitURI separates a normalized URI into its root ("scheme://authority")
// and the relative key under that root.
func splitURI(uri string) (scheme, root, key string, err error) {
	u, parseErr := url.Parse(uri)
	if parseErr != nil || u.Scheme == "" || (u.Host == "" && u.Scheme != "file") {
		return "", "", "", apperrors.InvalidURI(uri)
	}
	root = u.Scheme + "://" + u.Host
	key = strings.TrimPrefix(u.Path, "/")
	return u.Scheme, root, key, nil
}

func (b *Broker) storeFor(scheme, root string) (objectStore, error) {
	cacheKey := scheme + "://" + strings.TrimPrefix(root, scheme+"://")

	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.stores[cacheKey]; ok {
		return s, nil
	}
	factory, ok := b.factory[scheme]
	if !ok {
		return nil, apperrors.InvalidURI("unsupported scheme " + scheme)
	}
	s, err := factory(root)
	if err != nil {
		return nil, err
	}
	b.stores[cacheKey] = s
	return s, nil
}

// Head returns size/last-modified/etag metadata for uri.
func (b *Broker) Head(ctx context.Context, uri string) (Head, error) {
	normalized, err := Normalize(uri)
	if err != nil {
		return Head{}, err
	}
	scheme, root, key, err := splitURI(normalized)
	if err != nil {
		return Head{}, err
	}
	store, err := b.storeFor(scheme, root)
	if err != nil {
		return Head{}, err
	}
	return store.Head(ctx, key)
}

// List streams (as a slice — the broker has no async generator primitive
// in Go) every object under prefix.
func (b *Broker) List(ctx context.Context, prefix string) ([]Object, error) {
	normalized, err := EnsurePrefix(prefix)
	if err != nil {
		return nil, err
	}
	scheme, root, key, err := splitURI(normalized)
	if err != nil {
		return nil, err
	}
	store, err := b.storeFor(scheme, root)
	if err != nil {
		return nil, err
	}
	return store.List(ctx, key)
}

// ReadRange reads length bytes at offset from uri.
func (b *Broker) ReadRange(ctx context.Context, uri string, offset, length int64) ([]byte, error) {
	normalized, err := Normalize(uri)
	if err != nil {
		return nil, err
	}
	scheme, root, key, err := splitURI(normalized)
	if err != nil {
		return nil, err
	}
	store, err := b.storeFor(scheme, root)
	if err != nil {
		return nil, err
	}
	return store.ReadRange(ctx, key, offset, length)
}

// GetStream opens a cancelable chunked reader over uri, optionally bounded
// to [offset, offset+length). length <= 0 means "to end of object".
func (b *Broker) GetStream(ctx context.Context, uri string, offset, length int64) (io.ReadCloser, error) {
	normalized, err := Normalize(uri)
	if err != nil {
		return nil, err
	}
	scheme, root, key, err := splitURI(normalized)
	if err != nil {
		return nil, err
	}
	store, err := b.storeFor(scheme, root)
	if err != nil {
		return nil, err
	}
	return store.GetStream(ctx, key, offset, length)
}
