package instancestore

import (
	"context"
	"fmt"
	"strings"

	"github.com/3leaps/pcflow/pkg/provider/file"
	"github.com/3leaps/pcflow/pkg/provider/s3"
)

// Backend names accepted by Config.Backend.
const (
	BackendSQLite = "sqlite"
	BackendS3     = "s3"
	BackendFile   = "file"
)

// Config selects and configures a store.
type Config struct {
	// Backend is sqlite (default), s3 or file.
	Backend string `mapstructure:"backend"`

	SQL SQLConfig `mapstructure:"sqlite"`

	// Prefix is the key prefix for object backends.
	Prefix string `mapstructure:"prefix"`

	// Dir is the base directory of the file backend.
	Dir string `mapstructure:"dir"`

	S3 S3Config `mapstructure:"s3"`
}

// S3Config is the subset of s3.Config exposed in configuration files.
type S3Config struct {
	Bucket         string `mapstructure:"bucket"`
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	Profile        string `mapstructure:"profile"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}

// Open builds the store selected by cfg.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendSQLite:
		return OpenSQL(ctx, cfg.SQL)
	case BackendFile:
		p, err := file.New(file.Config{BaseDir: cfg.Dir})
		if err != nil {
			return nil, fmt.Errorf("instance store: %w", err)
		}
		return NewObjectStore(p, cfg.Prefix), nil
	case BackendS3:
		p, err := s3.New(ctx, s3.Config{
			Bucket:         cfg.S3.Bucket,
			Region:         cfg.S3.Region,
			Endpoint:       cfg.S3.Endpoint,
			Profile:        cfg.S3.Profile,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("instance store: %w", err)
		}
		return NewObjectStore(p, cfg.Prefix), nil
	default:
		return nil, fmt.Errorf("unknown instance store backend %q (expected sqlite, s3 or file)", cfg.Backend)
	}
}
