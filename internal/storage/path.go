package storage

import (
	"path/filepath"
)

// PathConfig holds configuration for storage path generation.
type PathConfig struct {
	// BasePath is the root directory for blob storage.
	BasePath string

	// ShardLevels is the number of directory levels for sharding.
	// Default: 2 (e.g., /ab/cd/abcdef...)
	ShardLevels int

	// ShardWidth is the number of characters per shard level.
	// Default: 2 (e.g., ab, cd)
	ShardWidth int
}

// DefaultPathConfig returns the default path configuration.
func DefaultPathConfig(basePath string) PathConfig {
	return PathConfig{
		BasePath:    basePath,
		ShardLevels: 2,
		ShardWidth:  2,
	}
}

// ComputePath generates the storage path for a content digest.
// Uses directory sharding to distribute files across directories.
//
// Example with default config (2 levels, 2 chars each):
//
//	digest: "abcdef1234567890..."
//	basePath: "/data"
//	result: "/data/ab/cd/abcdef1234567890..."
func ComputePath(config PathConfig, digest string) string {
	minLength := config.ShardLevels * config.ShardWidth
	if len(digest) < minLength {
		return filepath.Join(config.BasePath, digest)
	}

	components := make([]string, 0, config.ShardLevels+2)
	components = append(components, config.BasePath)

	offset := 0
	for i := 0; i < config.ShardLevels; i++ {
		components = append(components, digest[offset:offset+config.ShardWidth])
		offset += config.ShardWidth
	}

	// Full digest as filename keeps collisions across shards impossible.
	components = append(components, digest)

	return filepath.Join(components...)
}

// GetShardPath returns the directory path for a digest (without the
// filename). Used to create the directory structure before a commit.
//
// Example:
//
//	digest: "abcdef..."
//	basePath: "/data"
//	result: "/data/ab/cd"
func GetShardPath(config PathConfig, digest string) string {
	minLength := config.ShardLevels * config.ShardWidth
	if len(digest) < minLength {
		return config.BasePath
	}

	components := make([]string, 0, config.ShardLevels+1)
	components = append(components, config.BasePath)

	offset := 0
	for i := 0; i < config.ShardLevels; i++ {
		components = append(components, digest[offset:offset+config.ShardWidth])
		offset += config.ShardWidth
	}

	return filepath.Join(components...)
}
