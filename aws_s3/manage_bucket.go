package aws_s3

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// BucketManager creates and drops the bucket backing the S3 snapshot mirror
// (spec.md §4.3 "secondary snapshot copy").
type BucketManager struct {
	S3Client *s3.Client
	Region   string
}

// NewBucketManager wraps s3Client for bucket-level administration.
func NewBucketManager(s3Client *s3.Client, region string) (*BucketManager, error) {
	if s3Client == nil {
		return nil, fmt.Errorf("s3Client parameter can't be nil")
	}
	return &BucketManager{S3Client: s3Client, Region: region}, nil
}

// CreateBucket creates the named bucket in mb.Region. It does not check whether the
// bucket already exists; any error S3 reports for the request is returned wrapped.
func (mb *BucketManager) CreateBucket(ctx context.Context, bucketName string) error {
	_, err := mb.S3Client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(bucketName),
		CreateBucketConfiguration: &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(mb.Region),
		},
	})
	if err != nil {
		return fmt.Errorf("couldn't create bucket %s in region %s: %w", bucketName, mb.Region, err)
	}
	return nil
}

// RemoveBucket deletes the named bucket.
func (mb *BucketManager) RemoveBucket(ctx context.Context, bucketName string) error {
	_, err := mb.S3Client.DeleteBucket(ctx, &s3.DeleteBucketInput{
		Bucket: aws.String(bucketName),
	})
	if err != nil {
		return fmt.Errorf("couldn't remove bucket %s: %w", bucketName, err)
	}
	return nil
}
