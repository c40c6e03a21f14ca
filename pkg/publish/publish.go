// Package publish uploads finished feature files to S3-compatible object storage.
package publish

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/menta2k/feature-extractor/pkg/types"
)

const contentType = "application/octet-stream"

// Publisher copies a local feature file to a remote store
type Publisher interface {
	// Publish uploads localPath and returns the remote object key
	Publish(ctx context.Context, localPath string) (string, error)
}

// Options configures an S3 publisher
type Options struct {
	Endpoint  string
	Bucket    string
	Prefix    string
	Region    string
	AccessKey string
	SecretKey string
	Secure    bool
	// Root is stripped from local paths to form object keys
	Root string
}

// S3Publisher uploads with minio-go. It is safe for concurrent use.
type S3Publisher struct {
	client *minio.Client
	bucket string
	prefix string
	root   string
}

var _ Publisher = (*S3Publisher)(nil)

// New connects to the endpoint in opts. Without static keys, credentials are
// taken from the AWS_* or MINIO_* environment variables.
func New(opts Options) (*S3Publisher, error) {
	if opts.Endpoint == "" || opts.Bucket == "" {
		return nil, fmt.Errorf("publish: endpoint and bucket are required")
	}

	creds := credentials.NewChainCredentials([]credentials.Provider{
		&credentials.EnvAWS{},
		&credentials.EnvMinio{},
	})
	if opts.AccessKey != "" {
		creds = credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, "")
	}

	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  creds,
		Secure: opts.Secure,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("publish: create client: %w", err)
	}
	return NewWithClient(client, opts.Bucket, opts.Prefix, opts.Root), nil
}

// NewWithClient wraps an existing client
func NewWithClient(client *minio.Client, bucket, prefix, root string) *S3Publisher {
	return &S3Publisher{client: client, bucket: bucket, prefix: prefix, root: root}
}

// EnsureBucket creates the bucket when it does not exist
func (p *S3Publisher) EnsureBucket(ctx context.Context, region string) error {
	exists, err := p.client.BucketExists(ctx, p.bucket)
	if err != nil {
		return fmt.Errorf("publish: check bucket %s: %w", p.bucket, err)
	}
	if exists {
		return nil
	}
	if err := p.client.MakeBucket(ctx, p.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("publish: create bucket %s: %w", p.bucket, err)
	}
	return nil
}

// Publish uploads localPath. Failures are *types.WriteError for localPath.
func (p *S3Publisher) Publish(ctx context.Context, localPath string) (string, error) {
	key := ObjectKey(p.root, localPath, p.prefix)
	_, err := p.client.FPutObject(ctx, p.bucket, key, localPath, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", types.NewWriteError(localPath, fmt.Errorf("upload to s3://%s/%s: %w", p.bucket, key, err))
	}
	return key, nil
}

// ObjectKey maps localPath to a slash separated key under prefix, relative to
// root when localPath lies below it and by base name otherwise
func ObjectKey(root, localPath, prefix string) string {
	rel := filepath.Base(localPath)
	if root != "" {
		if r, err := filepath.Rel(root, localPath); err == nil && r != ".." && !strings.HasPrefix(r, ".."+string(filepath.Separator)) {
			rel = r
		}
	}
	return path.Join(prefix, filepath.ToSlash(rel))
}
