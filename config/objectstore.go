package config

import (
	"fmt"
	"strconv"
	"time"
)

const defaultOperationTimeout = 60000 * time.Millisecond

// ObjectStoreConfig holds the S3 compatible store settings
type ObjectStoreConfig struct {
	BucketName       string
	AccessKey        string
	Protocol         string
	URL              string
	SecretKey        string
	PathPrefix       string
	OperationTimeout time.Duration
}

// ObjectStore reads the s3-* keys. Without s3-path-prefix every call gets
// a unique time based prefix so test replicas sharing a bucket don't
// collide.
func (f *File) ObjectStore() (*ObjectStoreConfig, error) {
	cfg := &ObjectStoreConfig{}
	for _, kv := range []struct {
		key string
		dst *string
	}{
		{"s3-bucket-name", &cfg.BucketName},
		{"s3-access-key", &cfg.AccessKey},
		{"s3-protocol", &cfg.Protocol},
		{"s3-url", &cfg.URL},
		{"s3-secret-key", &cfg.SecretKey},
	} {
		v, err := f.Value(kv.key)
		if err != nil {
			return nil, err
		}
		*kv.dst = v
	}

	cfg.PathPrefix = f.OptionalValue("s3-path-prefix", strconv.FormatInt(time.Now().UnixNano(), 10))

	cfg.OperationTimeout = defaultOperationTimeout
	if v, err := f.Value("s3-operation-timeout"); err == nil {
		ms, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("s3-operation-timeout: %w", err)
		}
		cfg.OperationTimeout = time.Duration(ms) * time.Millisecond
	}
	return cfg, nil
}
