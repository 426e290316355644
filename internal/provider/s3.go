package provider

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3 keeps objects in one bucket, using the default AWS credential chain.
type S3 struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
}

func NewS3(ctx context.Context, bucket, region string) (*S3, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}
	c := s3.NewFromConfig(cfg)
	return &S3{client: c, presign: s3.NewPresignClient(c), bucket: bucket}, nil
}

func (s *S3) Name() string { return "s3" }

func (s *S3) Upload(ctx context.Context, localPath, remoteName string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:             aws.String(s.bucket),
		Key:                aws.String(remoteName),
		Body:               f,
		ContentType:        aws.String(ContentType),
		ContentDisposition: aws.String(Disposition(remoteName)),
	})
	if err != nil {
		return "", fmt.Errorf("s3 put %s: %w", remoteName, err)
	}
	return s.SignedURL(ctx, remoteName)
}

// Delete is idempotent on S3; a missing key is not reported.
func (s *S3) Delete(ctx context.Context, remoteName string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(remoteName)})
	return err
}

func (s *S3) Stat(ctx context.Context, remoteName string) (int64, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(remoteName)})
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return aws.ToInt64(out.ContentLength), nil
}

func (s *S3) SignedURL(ctx context.Context, remoteName string) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket:                     aws.String(s.bucket),
		Key:                        aws.String(remoteName),
		ResponseContentDisposition: aws.String(Disposition(remoteName)),
	}, s3.WithPresignExpires(SignedURLTTL))
	if err != nil {
		return "", fmt.Errorf("s3 presign %s: %w", remoteName, err)
	}
	return req.URL, nil
}

func (s *S3) Usage(ctx context.Context) (Listing, error) {
	var l Listing
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{Bucket: aws.String(s.bucket)})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return l, err
		}
		for _, o := range page.Contents {
			l.Count++
			l.Bytes += aws.ToInt64(o.Size)
		}
	}
	return l, nil
}
