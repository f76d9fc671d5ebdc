// Package stream implements the Stream Protocol Layer (§4.K): a
// buffer-to-HTTP-response adapter implementing RFC 7233 range semantics,
// conditional requests, and content-type sniffing.
package stream

import (
	"fmt"
	"mime"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Request is the inbound descriptor §6's HTTP surface names.
type Request struct {
	Method  string
	Path    string
	Query   map[string]string
	Headers map[string]string
}

// Response is the adapter's output: headers plus a [start, end) byte
// range into the underlying object, or the full object when HasRange is
// false.
type Response struct {
	Status      int
	Headers     map[string]string
	RangeStart  int64
	RangeEnd    int64 // exclusive
	HasRange    bool
}

// Source describes the object the adapter is serving: its total size, an
// optional last-modified time, an optional store-provided etag, and the
// uri_hint used for extension-based content-type sniffing.
type Source struct {
	Size         int64
	LastModified *int64 // unix seconds, nil if unknown
	ETag         string // store-provided etag, empty if unknown
	URIHint      string
	MIMEOverride string
}

var rangePattern = regexp.MustCompile(`^bytes=(\d*)-(\d*)$`)

// BuildResponse computes the adapter's response for req against src,
// implementing §6's range/conditional/content-type rules.
func BuildResponse(req Request, src Source) Response {
	etag := computeETag(src)
	contentType := sniffContentType(src)

	if inm := req.Headers["If-None-Match"]; inm != "" && inm == etag {
		return Response{
			Status: 304,
			Headers: map[string]string{
				"ETag": etag,
			},
		}
	}

	rangeHeader := req.Headers["Range"]
	if rangeHeader == "" {
		return Response{
			Status: 200,
			Headers: map[string]string{
				"Accept-Ranges": "bytes",
				"ETag":          etag,
				"Content-Type":  contentType,
				"Content-Length": strconv.FormatInt(src.Size, 10),
			},
		}
	}

	start, end, ok := parseRange(rangeHeader, src.Size)
	if !ok {
		return Response{
			Status: 416,
			Headers: map[string]string{
				"Content-Range": fmt.Sprintf("bytes */%d", src.Size),
			},
		}
	}

	return Response{
		Status:     206,
		HasRange:   true,
		RangeStart: start,
		RangeEnd:   end,
		Headers: map[string]string{
			"Accept-Ranges":  "bytes",
			"ETag":           etag,
			"Content-Type":   contentType,
			"Content-Range":  fmt.Sprintf("bytes %d-%d/%d", start, end-1, src.Size),
			"Content-Length": strconv.FormatInt(end-start, 10),
		},
	}
}

// parseRange handles the three RFC 7233 forms this spec supports:
// "bytes=a-b", "bytes=a-", "bytes=-n". Returns ok=false for anything
// out-of-range or malformed.
func parseRange(header string, size int64) (start, end int64, ok bool) {
	m := rangePattern.FindStringSubmatch(strings.TrimSpace(header))
	if m == nil {
		return 0, 0, false
	}
	startStr, endStr := m[1], m[2]

	switch {
	case startStr == "" && endStr != "":
		// suffix form: bytes=-n -> last n bytes
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return 0, 0, false
		}
		if n > size {
			n = size
		}
		return size - n, size, true
	case startStr != "" && endStr == "":
		s, err := strconv.ParseInt(startStr, 10, 64)
		if err != nil || s < 0 || s >= size {
			return 0, 0, false
		}
		return s, size, true
	case startStr != "" && endStr != "":
		s, err1 := strconv.ParseInt(startStr, 10, 64)
		e, err2 := strconv.ParseInt(endStr, 10, 64)
		if err1 != nil || err2 != nil || s < 0 || e < s || s >= size {
			return 0, 0, false
		}
		if e >= size {
			e = size - 1
		}
		return s, e + 1, true
	default:
		return 0, 0, false
	}
}

// computeETag prefers the object store's own etag; failing that, derives a
// strong tag from size and last-modified time per §6.
func computeETag(src Source) string {
	if src.ETag != "" {
		return `"` + src.ETag + `"`
	}
	mtime := int64(0)
	if src.LastModified != nil {
		mtime = *src.LastModified
	}
	return fmt.Sprintf(`"%x-%x"`, src.Size, mtime)
}

// sniffContentType prefers an explicit MIME override (set by
// transcode.execute), falls back to extension sniffing on uri_hint, and
// defaults to video/mp4.
func sniffContentType(src Source) string {
	if src.MIMEOverride != "" {
		return src.MIMEOverride
	}
	if src.URIHint != "" {
		if ct := mime.TypeByExtension(filepath.Ext(src.URIHint)); ct != "" {
			return ct
		}
	}
	return "video/mp4"
}
