package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyspace(t *testing.T) {
	tests := []struct {
		prefix, path, key string
	}{
		{"", "obs.ms/MAIN/part-00000.parquet", "obs.ms/MAIN/part-00000.parquet"},
		{".", "obs.ms/STATE/table.parquet", "obs.ms/STATE/table.parquet"},
		{"runs/2024", "obs.ms/", "runs/2024/obs.ms/"},
		{"/runs/2024/", "/obs.ms/LAZY_INDEX/index.bin", "runs/2024/obs.ms/LAZY_INDEX/index.bin"},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%q+%q", tt.prefix, tt.path), func(t *testing.T) {
			k := newKeyspace(tt.prefix)
			assert.Equal(t, tt.key, k.key(tt.path))
			assert.Equal(t, joinKey(tt.prefix, tt.path), k.key(tt.path))
			// listings come back relative to the prefix
			assert.Equal(t, k.key(tt.path), k.key(k.relative(k.key(tt.path))))
		})
	}

	k := newKeyspace("runs")
	assert.Equal(t, "obs.ms/MAIN", k.relative("runs/obs.ms/MAIN"))
	assert.Equal(t, "other/obs.ms", k.relative("other/obs.ms"))
}

func TestS3Config_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     S3Config
		wantErr string
	}{
		{name: "default chain", cfg: S3Config{Bucket: "alma"}},
		{name: "static", cfg: S3Config{Bucket: "alma", AccessKey: "AK", SecretKey: "SK"}},
		{name: "no bucket", cfg: S3Config{}, wantErr: "bucket name is required"},
		{name: "bucket with path", cfg: S3Config{Bucket: "alma/runs"}, wantErr: "must not contain"},
		{name: "access key only", cfg: S3Config{Bucket: "alma", AccessKey: "AK"}, wantErr: "set together"},
		{name: "secret key only", cfg: S3Config{Bucket: "alma", SecretKey: "SK"}, wantErr: "set together"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestS3Config_EnvCredentials(t *testing.T) {
	t.Setenv("AWS_ACCESS_KEY_ID", "env-ak")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "env-sk")

	c := S3Config{Bucket: "alma"}.withEnvCredentials()
	assert.Equal(t, "env-ak", c.AccessKey)
	assert.Equal(t, "env-sk", c.SecretKey)

	c = S3Config{Bucket: "alma", AccessKey: "AK", SecretKey: "SK"}.withEnvCredentials()
	assert.Equal(t, "AK", c.AccessKey)
	assert.Equal(t, "SK", c.SecretKey)
}

func TestS3Config_Endpoint(t *testing.T) {
	assert.Equal(t, "", S3Config{}.endpointURL())
	assert.Equal(t, "http://localhost:9000", S3Config{Endpoint: "localhost:9000"}.endpointURL())
	assert.Equal(t, "https://minio.local", S3Config{Endpoint: "minio.local", UseSSL: true}.endpointURL())
	assert.Equal(t, "http://minio.local:9000", S3Config{Endpoint: "http://minio.local:9000", UseSSL: true}.endpointURL())

	assert.Equal(t, "us-east-1", S3Config{}.region())
	assert.Equal(t, "eu-west-1", S3Config{Region: "eu-west-1"}.region())
}

func TestS3Backend_URI(t *testing.T) {
	b := &S3Backend{keyspace: newKeyspace("runs/"), bucket: "alma"}
	assert.Equal(t, "s3://alma/runs/obs.ms/MAIN", b.URI("obs.ms/MAIN"))
	assert.Equal(t, "s3", b.Type())
}

func TestIsS3NotFound(t *testing.T) {
	assert.True(t, isS3NotFound(&types.NoSuchKey{}))
	assert.True(t, isS3NotFound(fmt.Errorf("head: %w", &types.NotFound{})))
	assert.True(t, isS3NotFound(errors.New("operation error S3: HeadObject, https response error StatusCode: 404")))
	assert.False(t, isS3NotFound(errors.New("access denied")))
}

func TestAzureBlobConfig_Auth(t *testing.T) {
	tests := []struct {
		name    string
		cfg     AzureBlobConfig
		want    azureAuth
		wantErr string
	}{
		{
			name: "connection string wins",
			cfg:  AzureBlobConfig{ContainerName: "ms", ConnectionString: "UseDevelopmentStorage=true", AccountName: "alma", AccountKey: "a2V5"},
			want: azureAuthConnectionString,
		},
		{
			name: "sas before shared key",
			cfg:  AzureBlobConfig{ContainerName: "ms", AccountName: "alma", SASToken: "?sv=1", AccountKey: "a2V5"},
			want: azureAuthSAS,
		},
		{
			name: "shared key",
			cfg:  AzureBlobConfig{ContainerName: "ms", AccountName: "alma", AccountKey: "a2V5"},
			want: azureAuthSharedKey,
		},
		{
			name: "managed identity",
			cfg:  AzureBlobConfig{ContainerName: "ms", AccountName: "alma", UseManagedIdentity: true},
			want: azureAuthManagedIdentity,
		},
		{name: "no container", cfg: AzureBlobConfig{AccountName: "alma", AccountKey: "a2V5"}, wantErr: "container name is required"},
		{name: "no account", cfg: AzureBlobConfig{ContainerName: "ms", AccountKey: "a2V5"}, wantErr: "account name is required"},
		{name: "no credentials", cfg: AzureBlobConfig{ContainerName: "ms", AccountName: "alma"}, wantErr: "no Azure credentials"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cfg.auth()
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAzureBlobConfig_ServiceURL(t *testing.T) {
	assert.Equal(t, "https://alma.blob.core.windows.net", AzureBlobConfig{AccountName: "alma"}.serviceURL())
	assert.Equal(t, "http://127.0.0.1:10000/devstoreaccount1",
		AzureBlobConfig{AccountName: "devstoreaccount1", Endpoint: "http://127.0.0.1:10000/devstoreaccount1/"}.serviceURL())
}

func TestAzureBlobBackend_URI(t *testing.T) {
	b := &AzureBlobBackend{keyspace: newKeyspace("/runs"), containerName: "ms"}
	assert.Equal(t, "az://ms/runs/obs.ms/STATE/table.parquet", b.URI("obs.ms/STATE/table.parquet"))
	assert.Equal(t, "azure", b.Type())
}

func TestIsAzureNotFound(t *testing.T) {
	assert.True(t, isAzureNotFound(&azcore.ResponseError{StatusCode: 404}))
	assert.True(t, isAzureNotFound(&azcore.ResponseError{StatusCode: 404, ErrorCode: "BlobNotFound"}))
	assert.False(t, isAzureNotFound(&azcore.ResponseError{StatusCode: 403, ErrorCode: "AuthorizationFailure"}))
	assert.False(t, isAzureNotFound(errors.New("connection reset")))
}

func TestNew_ObjectStoreConfigErrors(t *testing.T) {
	ctx := context.Background()
	t.Setenv("AWS_ACCESS_KEY_ID", "")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "")

	_, err := New(ctx, Config{Backend: "s3", Path: "runs"}, zerolog.Nop())
	assert.ErrorContains(t, err, "bucket name is required")

	_, err = New(ctx, Config{Backend: "s3", S3: S3Config{Bucket: "alma", AccessKey: "AK"}}, zerolog.Nop())
	assert.ErrorContains(t, err, "set together")

	_, err = New(ctx, Config{Backend: "azure", Azure: AzureBlobConfig{ContainerName: "ms", AccountName: "alma"}}, zerolog.Nop())
	assert.ErrorContains(t, err, "no Azure credentials")
}
