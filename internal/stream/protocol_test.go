package stream

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildResponseFullBodyWhenNoRange(t *testing.T) {
	resp := BuildResponse(Request{}, Source{Size: 100, URIHint: "clip.mp4"})
	require.Equal(t, 200, resp.Status)
	require.Equal(t, "bytes", resp.Headers["Accept-Ranges"])
	require.Equal(t, "100", resp.Headers["Content-Length"])
}

func TestBuildResponseRangeStartEnd(t *testing.T) {
	req := Request{Headers: map[string]string{"Range": "bytes=10-19"}}
	resp := BuildResponse(req, Source{Size: 100})
	require.Equal(t, 206, resp.Status)
	require.Equal(t, int64(10), resp.RangeStart)
	require.Equal(t, int64(20), resp.RangeEnd)
	require.Equal(t, "bytes 10-19/100", resp.Headers["Content-Range"])
}

func TestBuildResponseSuffixRange(t *testing.T) {
	req := Request{Headers: map[string]string{"Range": "bytes=-10"}}
	resp := BuildResponse(req, Source{Size: 100})
	require.Equal(t, 206, resp.Status)
	require.Equal(t, int64(90), resp.RangeStart)
	require.Equal(t, int64(100), resp.RangeEnd)
}

func TestBuildResponseOpenEndedRange(t *testing.T) {
	req := Request{Headers: map[string]string{"Range": "bytes=50-"}}
	resp := BuildResponse(req, Source{Size: 100})
	require.Equal(t, 206, resp.Status)
	require.Equal(t, int64(50), resp.RangeStart)
	require.Equal(t, int64(100), resp.RangeEnd)
}

func TestBuildResponseOutOfRangeReturns416(t *testing.T) {
	req := Request{Headers: map[string]string{"Range": "bytes=500-600"}}
	resp := BuildResponse(req, Source{Size: 100})
	require.Equal(t, 416, resp.Status)
	require.Equal(t, "bytes */100", resp.Headers["Content-Range"])
}

func TestBuildResponseConditionalIfNoneMatch(t *testing.T) {
	src := Source{Size: 100, ETag: "abc123"}
	first := BuildResponse(Request{}, src)
	etag := first.Headers["ETag"]

	req := Request{Headers: map[string]string{"If-None-Match": etag}}
	resp := BuildResponse(req, src)
	require.Equal(t, 304, resp.Status)
}

func TestSniffContentTypeFallsBackToVideoMp4(t *testing.T) {
	resp := BuildResponse(Request{}, Source{Size: 10})
	require.Equal(t, "video/mp4", resp.Headers["Content-Type"])
}

func TestSniffContentTypePrefersMIMEOverride(t *testing.T) {
	resp := BuildResponse(Request{}, Source{Size: 10, URIHint: "data.json", MIMEOverride: "application/json"})
	require.Equal(t, "application/json", resp.Headers["Content-Type"])
}
