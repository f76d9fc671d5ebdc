package sandbox

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vtxmedia/vtx/internal/eventbus"
	"github.com/vtxmedia/vtx/internal/policy"
	"github.com/vtxmedia/vtx/internal/vfs"
)

func newTestContext(tier policy.Tier, perms policy.Set) *Context {
	return New(tier, "p1", perms, nil, vfs.NewBroker(), eventbus.New(4), Limits{MaxBufferReadLen: 8})
}

func TestCreateMemoryBufferSoftDeniesWithoutPermission(t *testing.T) {
	c := newTestContext(policy.Plugin, policy.NewSet())
	handle := c.CreateMemoryBuffer([]byte("hello world"))

	size, err := c.BufferSize(handle)
	require.NoError(t, err)
	require.Equal(t, int64(0), size)
}

func TestCreateMemoryBufferAllowedWithPermission(t *testing.T) {
	c := newTestContext(policy.Plugin, policy.NewSet(policy.PermBufferCreate))
	handle := c.CreateMemoryBuffer([]byte("hello world"))

	size, err := c.BufferSize(handle)
	require.NoError(t, err)
	require.Equal(t, int64(11), size)
}

func TestBufferReadClampsToContextCap(t *testing.T) {
	c := newTestContext(policy.Plugin, policy.NewSet(policy.PermBufferCreate))
	handle := c.CreateMemoryBuffer([]byte("0123456789abcdef"))

	data, err := c.BufferRead(handle, 0, 1000)
	require.NoError(t, err)
	require.Len(t, data, 8)
}

func TestBufferWriteRejectedOnMemoryBuffer(t *testing.T) {
	c := newTestContext(policy.Plugin, policy.NewSet(policy.PermFileWrite, policy.PermBufferCreate))
	handle := c.CreateMemoryBuffer([]byte("data"))

	err := c.BufferWrite(handle, []byte("more"))
	require.Error(t, err)
}

func TestVFSOpenDeniedUnderRestricted(t *testing.T) {
	c := newTestContext(policy.Restricted, policy.NewSet())
	_, err := c.VFSOpen("file:///data/videos/clip.mp4")
	require.Error(t, err)
}

func TestVFSOpenRequiresFileReadUnderPlugin(t *testing.T) {
	c := newTestContext(policy.Plugin, policy.NewSet())
	_, err := c.VFSOpen("file:///data/videos/clip.mp4")
	require.Error(t, err)

	c2 := newTestContext(policy.Plugin, policy.NewSet(policy.PermFileRead))
	handle, err := c2.VFSOpen("file:///data/videos/clip.mp4")
	require.NoError(t, err)
	require.NotZero(t, handle)
}

func TestTakeBufferRemovesFromTable(t *testing.T) {
	c := newTestContext(policy.Plugin, policy.NewSet(policy.PermBufferCreate))
	handle := c.CreateMemoryBuffer([]byte("x"))

	_, err := c.TakeBuffer(handle)
	require.NoError(t, err)

	_, err = c.TakeBuffer(handle)
	require.Error(t, err)
}

func TestTranscodeArgsRejectPipeAndURIValues(t *testing.T) {
	_, err := filterArgs([]string{"-f", "mp4", "pipe:1"})
	require.Error(t, err)

	_, err = filterArgs([]string{"-f", "mp4", "https://evil.example/x"})
	require.Error(t, err)

	out, err := filterArgs([]string{"-f", "mp4"})
	require.NoError(t, err)
	require.Equal(t, []string{"-f", "mp4"}, out)
}
