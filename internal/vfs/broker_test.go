package vfs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeResolvesDotSegments(t *testing.T) {
	out, err := Normalize("file:///data/videos/../videos/clip.mp4")
	require.NoError(t, err)
	require.Equal(t, "file:///data/videos/clip.mp4", out)
}

func TestNormalizeRejectsInvalidURI(t *testing.T) {
	_, err := Normalize("not-a-uri")
	require.Error(t, err)
}

func TestEnsurePrefixAddsTrailingSlash(t *testing.T) {
	out, err := EnsurePrefix("file:///data/videos")
	require.NoError(t, err)
	require.Equal(t, "file:///data/videos/", out)
}

func TestMatchAllowedPrefixRejectsEmptyAllowList(t *testing.T) {
	_, err := MatchAllowedPrefix("file:///data/videos", nil)
	require.Error(t, err)
}

func TestMatchAllowedPrefixAllowsDescendant(t *testing.T) {
	out, err := MatchAllowedPrefix("file:///data/videos/sub/clip.mp4", []string{"file:///data/videos"})
	require.NoError(t, err)
	require.Equal(t, "file:///data/videos/sub/clip.mp4", out)
}

func TestMatchAllowedPrefixRejectsEscape(t *testing.T) {
	_, err := MatchAllowedPrefix("file:///etc/passwd", []string{"file:///data/videos"})
	require.Error(t, err)
}

func TestFileStoreHeadAndReadRange(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "clip.mp4"), []byte("0123456789"), 0o644))

	broker := NewBroker()
	uri := "file://" + dir + "/clip.mp4"

	head, err := broker.Head(context.Background(), uri)
	require.NoError(t, err)
	require.Equal(t, int64(10), head.Size)

	data, err := broker.ReadRange(context.Background(), uri, 2, 4)
	require.NoError(t, err)
	require.Equal(t, "2345", string(data))
}

func TestFileStoreRejectsSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("x"), 0o644))
	require.NoError(t, os.Symlink(filepath.Join(outside, "secret.txt"), filepath.Join(root, "link.txt")))

	broker := NewBroker()
	_, err := broker.Head(context.Background(), "file://"+root+"/link.txt")
	require.Error(t, err)
}
