// Package s3 persists the credential pool as a single YAML object in an
// S3-compatible bucket, for hosted deployments where the daemon has no
// durable local disk.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"gopkg.in/yaml.v3"

	"pkt.systems/pslog"
	"pkt.systems/rentd/internal/inventory"
)

// Config describes the bucket object holding the pool.
type Config struct {
	Endpoint string // host:port of the S3-compatible service
	Bucket   string
	Object   string
	Region   string
	// AccessKey/SecretKey override the default credential chain
	// (AWS env, minio env, shared credentials file, IAM).
	AccessKey      string
	SecretKey      string
	Insecure       bool
	ForcePathStyle bool
	Logger         pslog.Logger
}

type poolObject struct {
	Credentials []inventory.Credential `yaml:"credentials"`
}

// Store is an S3-backed inventory backend.
type Store struct {
	client *minio.Client
	cfg    Config
	logger pslog.Logger
}

// New builds the minio client and validates configuration.
func New(cfg Config) (*Store, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("s3: endpoint required")
	}
	if cfg.Bucket == "" || cfg.Object == "" {
		return nil, fmt.Errorf("s3: bucket and object required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	var creds *credentials.Credentials
	if cfg.AccessKey != "" || cfg.SecretKey != "" {
		creds = credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, "")
	} else {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		})
	}
	options := &minio.Options{
		Creds:  creds,
		Secure: !cfg.Insecure,
		Region: cfg.Region,
	}
	if cfg.ForcePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(cfg.Endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	cfg.Object = strings.Trim(cfg.Object, "/")
	return &Store{client: client, cfg: cfg, logger: logger}, nil
}

// Load downloads and decodes the pool object. A missing object loads as an
// empty pool.
func (s *Store) Load(ctx context.Context) ([]inventory.Credential, error) {
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, s.cfg.Object, minio.GetObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("s3: get pool: %w", err)
	}
	defer obj.Close()
	payload, err := io.ReadAll(io.LimitReader(obj, 1<<20))
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("s3: read pool: %w", err)
	}
	var pool poolObject
	if err := yaml.Unmarshal(payload, &pool); err != nil {
		return nil, fmt.Errorf("s3: decode pool: %w", err)
	}
	return pool.Credentials, nil
}

// Save uploads the encoded pool. S3 puts are atomic per object, so readers
// only ever observe a complete pool.
func (s *Store) Save(ctx context.Context, creds []inventory.Credential) error {
	raw, err := yaml.Marshal(poolObject{Credentials: creds})
	if err != nil {
		return fmt.Errorf("s3: encode pool: %w", err)
	}
	_, err = s.client.PutObject(ctx, s.cfg.Bucket, s.cfg.Object,
		bytes.NewReader(raw), int64(len(raw)),
		minio.PutObjectOptions{ContentType: "application/yaml"})
	if err != nil {
		return fmt.Errorf("s3: put pool: %w", err)
	}
	return nil
}

// Watch is unsupported; object stores have no cheap change notification for
// a single object and the pool is authoritative in memory while running.
func (s *Store) Watch(ctx context.Context) (<-chan struct{}, error) {
	return nil, inventory.ErrWatchUnsupported
}

// Close satisfies inventory.Backend.
func (s *Store) Close() error { return nil }

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) {
		return true
	}
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		return resp.StatusCode == http.StatusNotFound
	}
	return false
}
