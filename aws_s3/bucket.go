package aws_s3

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Bucket is a thin, cache-free wrapper over an S3 bucket used as the secondary
// mirror for replicated-store snapshots (spec.md §4.3). Snapshots are periodic and
// already held in full on local disk, so there is no read-through cache to
// maintain here; the upload/download manager is used for its multipart handling on
// large snapshot files.
type Bucket struct {
	S3Client   *s3.Client
	uploader   *manager.Uploader
	downloader *manager.Downloader
	bucketName string
}

// NewBucket wraps s3Client for snapshot object storage in bucketName.
func NewBucket(s3Client *s3.Client, bucketName string) *Bucket {
	return &Bucket{
		S3Client:   s3Client,
		uploader:   manager.NewUploader(s3Client),
		downloader: manager.NewDownloader(s3Client),
		bucketName: bucketName,
	}
}

// PutObject uploads data under key, replacing any existing object.
func (b *Bucket) PutObject(ctx context.Context, key string, data []byte) error {
	_, err := b.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("aws_s3: put %s/%s: %w", b.bucketName, key, err)
	}
	return nil
}

// GetObject downloads the object stored under key.
func (b *Bucket) GetObject(ctx context.Context, key string) ([]byte, error) {
	buf := manager.NewWriteAtBuffer(nil)
	_, err := b.downloader.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("aws_s3: get %s/%s: %w", b.bucketName, key, err)
	}
	return buf.Bytes(), nil
}

// DeleteObject removes the object stored under key.
func (b *Bucket) DeleteObject(ctx context.Context, key string) error {
	_, err := b.S3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("aws_s3: delete %s/%s: %w", b.bucketName, key, err)
	}
	return nil
}
