package vfs

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/vtxmedia/vtx/internal/apperrors"
)

// s3Store serves an s3:// root, keyed by bucket name per §4.B. Grounded on
// the bucket-scoped head/get/list operations the streamspace-storage-s3
// plugin performs against aws-sdk-go v1; expressed here against
// aws-sdk-go-v2, the SDK generation the rest of this module's dependency
// set uses.
type s3Store struct {
	client *s3.Client
	bucket string
}

func newS3Store(root string) (*s3Store, error) {
	bucket := strings.TrimPrefix(root, "s3://")
	if bucket == "" {
		return nil, apperrors.InvalidURI(root)
	}
	cfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStoreUnavailable, "loading AWS config", err)
	}
	return &s3Store{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
	}, nil
}

func (s *s3Store) Head(ctx context.Context, key string) (Head, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return Head{}, apperrors.NotFound("object", key)
	}
	h := Head{
		URI:          fmt.Sprintf("s3://%s/%s", s.bucket, key),
		LastModified: out.LastModified,
	}
	if out.ContentLength != nil {
		h.Size = *out.ContentLength
	}
	if out.ETag != nil {
		h.ETag = strings.Trim(*out.ETag, `"`)
	}
	return h, nil
}

func (s *s3Store) List(ctx context.Context, prefix string) ([]Object, error) {
	var out []Object
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeStoreUnavailable, "listing s3://"+s.bucket+"/"+prefix, err)
		}
		for _, obj := range page.Contents {
			o := Object{URI: fmt.Sprintf("s3://%s/%s", s.bucket, aws.ToString(obj.Key))}
			if obj.Size != nil {
				o.Size = *obj.Size
			}
			if obj.LastModified != nil {
				o.LastModified = *obj.LastModified
			}
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *s3Store) ReadRange(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	rc, err := s.GetStream(ctx, key, offset, length)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func (s *s3Store) GetStream(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	rangeHeader := httpRange(offset, length)
	input := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}
	if rangeHeader != "" {
		input.Range = aws.String(rangeHeader)
	}
	out, err := s.client.GetObject(ctx, input)
	if err != nil {
		return nil, apperrors.NotFound("object", key)
	}
	return out.Body, nil
}

// httpRange builds an RFC 7233 Range header value, or "" for a full read.
func httpRange(offset, length int64) string {
	if offset == 0 && length <= 0 {
		return ""
	}
	if length <= 0 {
		return fmt.Sprintf("bytes=%d-", offset)
	}
	return fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)
}
