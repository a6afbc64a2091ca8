package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3ObjectStore is the cloud ObjectStore on a versioning-enabled S3 bucket.
type S3ObjectStore struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3ObjectStore wraps an existing S3 client. prefix is prepended to every
// key (e.g. "guardian/").
func NewS3ObjectStore(client *s3.Client, bucket, prefix string) *S3ObjectStore {
	return &S3ObjectStore{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3ObjectStore) fullKey(key string) string { return s.prefix + key }

// GetBaseline returns the current version's bytes.
func (s *S3ObjectStore) GetBaseline(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(key)),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get baseline %s: %w", key, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read baseline %s: %w", key, err)
	}
	return data, nil
}

// PutBaseline writes a new version of the object.
func (s *S3ObjectStore) PutBaseline(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.fullKey(key)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put baseline %s: %w", key, err)
	}
	return nil
}

// ListBaselineVersions returns versions newest first.
func (s *S3ObjectStore) ListBaselineVersions(ctx context.Context, key string) ([]ObjectVersion, error) {
	full := s.fullKey(key)
	out, err := s.client.ListObjectVersions(ctx, &s3.ListObjectVersionsInput{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(full),
	})
	if err != nil {
		return nil, fmt.Errorf("list baseline versions %s: %w", key, err)
	}
	versions := make([]ObjectVersion, 0, len(out.Versions))
	for _, v := range out.Versions {
		if aws.ToString(v.Key) != full {
			continue
		}
		versions = append(versions, ObjectVersion{
			VersionID:    aws.ToString(v.VersionId),
			LastModified: aws.ToTime(v.LastModified),
		})
	}
	sort.Slice(versions, func(i, j int) bool {
		return versions[i].LastModified.After(versions[j].LastModified)
	})
	return versions, nil
}

var _ ObjectStore = (*S3ObjectStore)(nil)
