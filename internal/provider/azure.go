package provider

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"
)

// Azure keeps objects in one blob container, authenticated with a shared key.
type Azure struct {
	client    *azblob.Client
	cred      *azblob.SharedKeyCredential
	container string
}

func NewAzure(account, key, container string) (*Azure, error) {
	cred, err := azblob.NewSharedKeyCredential(account, key)
	if err != nil {
		return nil, fmt.Errorf("azure credential: %w", err)
	}
	c, err := azblob.NewClientWithSharedKeyCredential(fmt.Sprintf("https://%s.blob.core.windows.net/", account), cred, nil)
	if err != nil {
		return nil, fmt.Errorf("azure client: %w", err)
	}
	return &Azure{client: c, cred: cred, container: container}, nil
}

func (a *Azure) Name() string { return "azure" }

func (a *Azure) Upload(ctx context.Context, localPath, remoteName string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	ct, cd := ContentType, Disposition(remoteName)
	_, err = a.client.UploadFile(ctx, a.container, remoteName, f, &azblob.UploadFileOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &ct, BlobContentDisposition: &cd},
	})
	if err != nil {
		return "", fmt.Errorf("azure upload %s: %w", remoteName, err)
	}
	return a.SignedURL(ctx, remoteName)
}

func (a *Azure) Delete(ctx context.Context, remoteName string) error {
	_, err := a.client.DeleteBlob(ctx, a.container, remoteName, nil)
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return ErrNotFound
	}
	return err
}

func (a *Azure) blob(remoteName string) *blob.Client {
	return a.client.ServiceClient().NewContainerClient(a.container).NewBlobClient(remoteName)
}

func (a *Azure) Stat(ctx context.Context, remoteName string) (int64, error) {
	props, err := a.blob(remoteName).GetProperties(ctx, nil)
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	if props.ContentLength == nil {
		return 0, nil
	}
	return *props.ContentLength, nil
}

func (a *Azure) SignedURL(_ context.Context, remoteName string) (string, error) {
	qp, err := sas.BlobSignatureValues{
		Protocol:           sas.ProtocolHTTPS,
		ExpiryTime:         time.Now().UTC().Add(SignedURLTTL),
		Permissions:        (&sas.BlobPermissions{Read: true}).String(),
		ContainerName:      a.container,
		BlobName:           remoteName,
		ContentDisposition: Disposition(remoteName),
	}.SignWithSharedKey(a.cred)
	if err != nil {
		return "", fmt.Errorf("azure sas %s: %w", remoteName, err)
	}
	return a.blob(remoteName).URL() + "?" + qp.Encode(), nil
}

func (a *Azure) Usage(ctx context.Context) (Listing, error) {
	var l Listing
	pager := a.client.NewListBlobsFlatPager(a.container, nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return l, err
		}
		for _, item := range page.Segment.BlobItems {
			l.Count++
			if item.Properties != nil && item.Properties.ContentLength != nil {
				l.Bytes += *item.Properties.ContentLength
			}
		}
	}
	return l, nil
}
