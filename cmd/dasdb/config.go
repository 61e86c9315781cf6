package main

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/datacratic/dasdb/blobstore"
	miniostore "github.com/datacratic/dasdb/blobstore/minio"
)

// Config is the optional TOML configuration for the dasdb tool. Only the
// export/import subcommands use it, to reach a blob store.
type Config struct {
	Blob BlobConfig `toml:"blob"`
}

type BlobConfig struct {
	Backend   string `toml:"backend"` // "local" or "minio"
	Dir       string `toml:"dir"`     // local backend root
	Endpoint  string `toml:"endpoint"`
	Bucket    string `toml:"bucket"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	Prefix    string `toml:"prefix"`
	UseSSL    bool   `toml:"use_ssl"`
}

// loadConfig reads a TOML config file. An empty path returns defaults.
func loadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// openBlobStore builds the configured blob store backend.
func (c *Config) openBlobStore() (blobstore.BlobStore, error) {
	switch c.Blob.Backend {
	case "local":
		return blobstore.NewLocalStore(c.Blob.Dir)
	case "minio":
		client, err := minio.New(c.Blob.Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(c.Blob.AccessKey, c.Blob.SecretKey, ""),
			Secure: c.Blob.UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("minio client: %w", err)
		}
		return miniostore.NewStore(client, c.Blob.Bucket, c.Blob.Prefix), nil
	case "":
		return nil, fmt.Errorf("no blob backend configured (set [blob] backend in the config file)")
	default:
		return nil, fmt.Errorf("unknown blob backend %q", c.Blob.Backend)
	}
}
