package storage

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/sirupsen/logrus"

	"github.com/socialmonitor/mention-pipeline/internal/faults"
)

// AzureBlobStore keeps the delivery failure archive in one Azure Blob
// Storage container.
type AzureBlobStore struct {
	container *container.Client
	log       *logrus.Entry
}

// Ensure AzureBlobStore implements BlobStore
var _ BlobStore = (*AzureBlobStore)(nil)

// NewAzureBlobStore connects to containerName in accountName with the default
// Azure credential chain and creates the container when it is missing.
func NewAzureBlobStore(ctx context.Context, accountName, containerName string) (*AzureBlobStore, error) {
	if accountName == "" || containerName == "" {
		return nil, faults.Config("open blob store", "storage account and container are required")
	}

	credential, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, faults.Wrap(faults.KindConfig, "open blob store", err)
	}

	containerURL := fmt.Sprintf("https://%s.blob.core.windows.net/%s", accountName, containerName)
	client, err := container.NewClient(containerURL, credential, nil)
	if err != nil {
		return nil, faults.Wrap(faults.KindConfig, "open blob store", err)
	}

	store := &AzureBlobStore{
		container: client,
		log:       logrus.WithFields(logrus.Fields{"component": "blob-store", "container": containerName}),
	}
	if err := store.ensureContainer(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *AzureBlobStore) ensureContainer(ctx context.Context) error {
	_, err := s.container.Create(ctx, nil)
	switch {
	case err == nil:
		s.log.Info("Created archive container")
	case bloberror.HasCode(err, bloberror.ContainerAlreadyExists):
	default:
		return blobError("create container", err)
	}
	return nil
}

// blobError maps a missing blob to ErrNotFound and marks the rest transient.
func blobError(op string, err error) error {
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return faults.Wrap(faults.KindTransient, op, err)
}

func contentType(name string) string {
	switch path.Ext(name) {
	case ".json":
		return "application/json"
	case ".txt", ".log":
		return "text/plain; charset=utf-8"
	}
	return "application/octet-stream"
}

// Store writes data under name, replacing any existing record.
func (s *AzureBlobStore) Store(ctx context.Context, name string, data []byte) error {
	ct := contentType(name)
	_, err := s.container.NewBlockBlobClient(name).UploadBuffer(ctx, data, &blockblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &ct},
	})
	if err != nil {
		return blobError("store "+name, err)
	}
	s.log.WithField("blob", name).Debugf("Archived %d bytes", len(data))
	return nil
}

// Retrieve reads the record stored under name. A missing record is ErrNotFound.
func (s *AzureBlobStore) Retrieve(ctx context.Context, name string) ([]byte, error) {
	resp, err := s.container.NewBlobClient(name).DownloadStream(ctx, nil)
	if err != nil {
		return nil, blobError("retrieve "+name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, faults.Wrap(faults.KindTransient, "retrieve "+name, err)
	}
	return data, nil
}

// List returns the names under prefix in lexical order, which for dated
// archive paths is also chronological.
func (s *AzureBlobStore) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	pager := s.container.NewListBlobsFlatPager(&container.ListBlobsFlatOptions{Prefix: &prefix})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, blobError("list "+prefix, err)
		}
		if page.Segment == nil {
			continue
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name != nil && strings.HasPrefix(*item.Name, prefix) {
				names = append(names, *item.Name)
			}
		}
	}
	return names, nil
}

// Delete removes the record under name. Deleting a missing record succeeds.
func (s *AzureBlobStore) Delete(ctx context.Context, name string) error {
	if _, err := s.container.NewBlobClient(name).Delete(ctx, nil); err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil
		}
		return blobError("delete "+name, err)
	}
	return nil
}
