package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"orderlens/internal/state"
)

// objectAPI is the subset of *s3.Client used here, split out for tests.
type objectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Snapshotter stores snapshots as s3://bucket/prefix/<id>/state.json.
type S3Snapshotter struct {
	client objectAPI
	bucket string
	prefix string
}

func NewS3Snapshotter(ctx context.Context, region, bucket, prefix string) (*S3Snapshotter, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}
	return &S3Snapshotter{client: s3.NewFromConfig(cfg), bucket: bucket, prefix: prefix}, nil
}

// NewS3SnapshotterWith is only for tests to inject a fake client.
func NewS3SnapshotterWith(client objectAPI, bucket, prefix string) *S3Snapshotter {
	return &S3Snapshotter{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3Snapshotter) objectKey(snapshotID string) string {
	return path.Join(s.prefix, snapshotID, StateFile)
}

func (s *S3Snapshotter) WriteSnapshot(ctx context.Context, snapshotID string, st state.Store) error {
	dump, err := Dump(st)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(dump); err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.objectKey(snapshotID)),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("unable to upload snapshot to S3: %w", err)
	}
	return nil
}

func (s *S3Snapshotter) ReadSnapshot(ctx context.Context, snapshotID string) (map[string]state.Record, error) {
	key := s.objectKey(snapshotID)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("snapshot s3://%s/%s: %w", s.bucket, key, os.ErrNotExist)
		}
		return nil, fmt.Errorf("s3 get: %w", err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3 read: %w", err)
	}
	var dump map[string]state.Record
	if err := json.Unmarshal(data, &dump); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return dump, nil
}
