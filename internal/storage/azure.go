package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/rs/zerolog"
)

// azureAuth is the authentication method picked from an AzureBlobConfig.
type azureAuth int

const (
	azureAuthConnectionString azureAuth = iota + 1
	azureAuthSAS
	azureAuthSharedKey
	azureAuthManagedIdentity
)

func (a azureAuth) String() string {
	switch a {
	case azureAuthConnectionString:
		return "connection_string"
	case azureAuthSAS:
		return "sas_token"
	case azureAuthSharedKey:
		return "shared_key"
	case azureAuthManagedIdentity:
		return "managed_identity"
	default:
		return "none"
	}
}

// AzureBlobConfig holds Azure Blob Storage backend configuration.
// Authentication is tried in order: connection string, SAS token,
// shared key, managed identity.
type AzureBlobConfig struct {
	ConnectionString   string
	AccountName        string
	AccountKey         string
	SASToken           string
	UseManagedIdentity bool
	ContainerName      string
	Prefix             string
	Endpoint           string // for Azurite
}

// auth validates c and returns the authentication method it selects.
func (c AzureBlobConfig) auth() (azureAuth, error) {
	if c.ContainerName == "" {
		return 0, errors.New("azure container name is required")
	}
	switch {
	case c.ConnectionString != "":
		return azureAuthConnectionString, nil
	case c.AccountName == "":
		return 0, errors.New("azure account name is required unless a connection string is set")
	case c.SASToken != "":
		return azureAuthSAS, nil
	case c.AccountKey != "":
		return azureAuthSharedKey, nil
	case c.UseManagedIdentity:
		return azureAuthManagedIdentity, nil
	}
	return 0, errors.New("no Azure credentials configured: set a connection string, an account key, a SAS token or enable managed identity")
}

// serviceURL is the blob service endpoint of the account.
func (c AzureBlobConfig) serviceURL() string {
	if c.Endpoint != "" {
		return strings.TrimSuffix(c.Endpoint, "/")
	}
	return "https://" + c.AccountName + ".blob.core.windows.net"
}

func newAzureClient(c AzureBlobConfig, auth azureAuth) (*azblob.Client, error) {
	switch auth {
	case azureAuthConnectionString:
		return azblob.NewClientFromConnectionString(c.ConnectionString, nil)
	case azureAuthSAS:
		return azblob.NewClientWithNoCredential(c.serviceURL()+"?"+strings.TrimPrefix(c.SASToken, "?"), nil)
	case azureAuthSharedKey:
		cred, err := azblob.NewSharedKeyCredential(c.AccountName, c.AccountKey)
		if err != nil {
			return nil, err
		}
		return azblob.NewClientWithSharedKeyCredential(c.serviceURL(), cred, nil)
	case azureAuthManagedIdentity:
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, err
		}
		return azblob.NewClient(c.serviceURL(), cred, nil)
	}
	return nil, fmt.Errorf("unknown azure auth method %d", auth)
}

// AzureBlobBackend writes stores to an Azure Blob Storage container.
type AzureBlobBackend struct {
	keyspace
	container     *container.Client
	containerName string
	logger        zerolog.Logger
}

// NewAzureBlobBackend creates a new Azure Blob Storage backend. As for
// S3, an unreachable container is only logged.
func NewAzureBlobBackend(ctx context.Context, cfg *AzureBlobConfig, logger zerolog.Logger) (*AzureBlobBackend, error) {
	auth, err := cfg.auth()
	if err != nil {
		return nil, err
	}
	log := logger.With().Str("component", "azure-storage").Logger()

	client, err := newAzureClient(*cfg, auth)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure client (%s): %w", auth, err)
	}

	b := &AzureBlobBackend{
		keyspace:      newKeyspace(cfg.Prefix),
		container:     client.ServiceClient().NewContainerClient(cfg.ContainerName),
		containerName: cfg.ContainerName,
		logger:        log,
	}

	propCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := b.container.GetProperties(propCtx, nil); err != nil {
		log.Warn().Err(err).Str("container", cfg.ContainerName).Msg("Could not verify container exists")
	} else {
		log.Info().
			Str("container", cfg.ContainerName).
			Str("prefix", b.prefix).
			Stringer("auth", auth).
			Msg("Connected to Azure Blob Storage container")
	}
	return b, nil
}

func (b *AzureBlobBackend) Write(ctx context.Context, path string, data []byte) error {
	return b.WriteReader(ctx, path, bytes.NewReader(data), int64(len(data)))
}

// WriteReader streams reader into a block blob.
func (b *AzureBlobBackend) WriteReader(ctx context.Context, path string, reader io.Reader, size int64) error {
	start := time.Now()
	key := b.key(path)
	ct := contentType(path)

	_, err := b.container.NewBlockBlobClient(key).UploadStream(ctx, reader, &azblob.UploadStreamOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &ct},
	})
	if err != nil {
		b.logger.Error().Err(err).Str("key", key).Int64("size", size).Msg("Blob upload failed")
		return fmt.Errorf("failed to write %s: %w", b.URI(path), err)
	}

	b.logger.Debug().
		Str("key", key).
		Int64("size", size).
		Dur("duration", time.Since(start)).
		Msg("Wrote blob")
	return nil
}

func (b *AzureBlobBackend) Read(ctx context.Context, path string) ([]byte, error) {
	resp, err := b.container.NewBlobClient(b.key(path)).DownloadStream(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", b.URI(path), err)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// List lists blobs under prefix, relative to the backend prefix.
func (b *AzureBlobBackend) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	full := b.key(prefix)
	pager := b.container.NewListBlobsFlatPager(&container.ListBlobsFlatOptions{Prefix: &full})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", b.URI(prefix), err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name != nil {
				names = append(names, b.relative(*item.Name))
			}
		}
	}
	return names, nil
}

// Delete deletes a blob. A missing blob is not an error.
func (b *AzureBlobBackend) Delete(ctx context.Context, path string) error {
	if _, err := b.container.NewBlobClient(b.key(path)).Delete(ctx, nil); err != nil && !isAzureNotFound(err) {
		return fmt.Errorf("failed to delete %s: %w", b.URI(path), err)
	}
	return nil
}

func (b *AzureBlobBackend) Exists(ctx context.Context, path string) (bool, error) {
	_, err := b.container.NewBlobClient(b.key(path)).GetProperties(ctx, nil)
	switch {
	case err == nil:
		return true, nil
	case isAzureNotFound(err):
		return false, nil
	default:
		return false, fmt.Errorf("failed to stat %s: %w", b.URI(path), err)
	}
}

func (b *AzureBlobBackend) Close() error { return nil }

func (b *AzureBlobBackend) Type() string { return "azure" }

// URI returns the az:// URI of path.
func (b *AzureBlobBackend) URI(path string) string {
	return "az://" + b.containerName + "/" + b.key(path)
}

func isAzureNotFound(err error) bool {
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
		return true
	}
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}
