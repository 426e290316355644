package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// GCS keeps objects in one Google Cloud Storage bucket.
type GCS struct {
	client *storage.Client
	bucket string
}

// NewGCS uses application default credentials.
func NewGCS(ctx context.Context, bucket string) (*GCS, error) {
	c, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs client: %w", err)
	}
	return &GCS{client: c, bucket: bucket}, nil
}

func (g *GCS) Name() string { return "gcs" }

func (g *GCS) Close() error { return g.client.Close() }

func (g *GCS) Upload(ctx context.Context, localPath, remoteName string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	w := g.client.Bucket(g.bucket).Object(remoteName).NewWriter(ctx)
	w.ContentType = ContentType
	w.ContentDisposition = Disposition(remoteName)
	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("gcs write %s: %w", remoteName, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("gcs close %s: %w", remoteName, err)
	}
	return g.SignedURL(ctx, remoteName)
}

func (g *GCS) Delete(ctx context.Context, remoteName string) error {
	err := g.client.Bucket(g.bucket).Object(remoteName).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return ErrNotFound
	}
	return err
}

func (g *GCS) Stat(ctx context.Context, remoteName string) (int64, error) {
	attrs, err := g.client.Bucket(g.bucket).Object(remoteName).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return attrs.Size, nil
}

func (g *GCS) SignedURL(_ context.Context, remoteName string) (string, error) {
	return g.client.Bucket(g.bucket).SignedURL(remoteName, &storage.SignedURLOptions{
		Method:  "GET",
		Expires: time.Now().Add(SignedURLTTL),
		Scheme:  storage.SigningSchemeV4,
		QueryParameters: url.Values{
			"response-content-disposition": {Disposition(remoteName)},
		},
	})
}

func (g *GCS) Usage(ctx context.Context) (Listing, error) {
	var l Listing
	it := g.client.Bucket(g.bucket).Objects(ctx, nil)
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return l, nil
		}
		if err != nil {
			return l, err
		}
		l.Count++
		l.Bytes += attrs.Size
	}
}
