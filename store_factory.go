package rentd

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"

	"pkt.systems/pslog"
	"pkt.systems/rentd/internal/inventory"
	"pkt.systems/rentd/internal/storage/disk"
	"pkt.systems/rentd/internal/storage/memory"
	"pkt.systems/rentd/internal/storage/s3"
)

// defaultS3Object is the pool object key when the store URL names only a
// bucket.
const defaultS3Object = "rentd/pool.yaml"

// OpenBackend opens the inventory backend named by cfg.Store. Used by the
// CLI's pool management commands; NewServer opens its own backend unless one
// is injected.
func OpenBackend(cfg Config, logger pslog.Logger) (inventory.Backend, error) {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return openBackend(cfg, logger)
}

func openBackend(cfg Config, logger pslog.Logger) (inventory.Backend, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("parse store URL: %w", err)
	}
	switch u.Scheme {
	case "memory", "mem", "":
		return memory.New(), nil
	case "disk":
		path, err := diskPath(u)
		if err != nil {
			return nil, err
		}
		return disk.New(path, logger.With("svc", "store.disk"))
	case "s3":
		s3cfg, err := buildS3Config(cfg, u)
		if err != nil {
			return nil, err
		}
		s3cfg.Logger = logger.With("svc", "store.s3")
		return s3.New(s3cfg)
	default:
		return nil, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
}

func diskPath(u *url.URL) (string, error) {
	pathPart := strings.TrimSpace(u.Path)
	host := strings.TrimSpace(u.Host)
	if host != "" {
		if pathPart == "" || pathPart == "/" {
			pathPart = "/" + host
		} else {
			pathPart = "/" + host + "/" + strings.TrimPrefix(pathPart, "/")
		}
	}
	if pathPart == "" || pathPart == "/" {
		return "", fmt.Errorf("disk store path required (e.g. disk:///var/lib/rentd/pool.yaml)")
	}
	return filepath.Clean(pathPart), nil
}

func buildS3Config(cfg Config, u *url.URL) (s3.Config, error) {
	bucket := strings.TrimSpace(u.Host)
	if bucket == "" {
		return s3.Config{}, fmt.Errorf("s3 store missing bucket (expected s3://bucket[/object])")
	}
	object := strings.Trim(strings.TrimPrefix(u.Path, "/"), "/")
	if object == "" {
		object = defaultS3Object
	}
	query := u.Query()
	endpoint := strings.TrimSpace(cfg.S3Endpoint)
	if v := strings.TrimSpace(query.Get("endpoint")); v != "" {
		endpoint = v
	}
	if endpoint == "" {
		return s3.Config{}, fmt.Errorf("s3 store requires an endpoint (set S3Endpoint or ?endpoint=)")
	}
	region := strings.TrimSpace(cfg.S3Region)
	if v := strings.TrimSpace(query.Get("region")); v != "" {
		region = v
	}
	insecure := cfg.S3Insecure
	if v := query.Get("insecure"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			insecure = ok
		}
	}
	forcePath := cfg.S3ForcePathStyle
	if v := query.Get("path-style"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			forcePath = ok
		}
	}
	return s3.Config{
		Endpoint:       endpoint,
		Bucket:         bucket,
		Object:         object,
		Region:         region,
		AccessKey:      cfg.S3AccessKey,
		SecretKey:      cfg.S3SecretKey,
		Insecure:       insecure,
		ForcePathStyle: forcePath,
	}, nil
}
