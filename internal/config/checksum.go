package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// ChecksumFile is written next to a config file by Lock.
const ChecksumFile = ".checksums"

// ChecksumManifest maps config file basenames to BLAKE3 hashes.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

func hashBytes(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Lock records the BLAKE3 hash of configPath in the directory's manifest,
// keeping entries for other files.
func Lock(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("resolve config path: %w", err)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return "", fmt.Errorf("read config: %w", err)
	}

	dir := filepath.Dir(absPath)
	manifest, err := loadChecksums(dir)
	if errors.Is(err, os.ErrNotExist) {
		manifest = &ChecksumManifest{Version: 1, Hashes: map[string]string{}}
	} else if err != nil {
		return "", err
	}
	manifest.GeneratedAt = time.Now().UTC().Format(time.RFC3339)
	hash := hashBytes(data)
	manifest.Hashes[filepath.Base(absPath)] = hash

	out, err := yaml.Marshal(manifest)
	if err != nil {
		return "", fmt.Errorf("marshal checksums: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ChecksumFile), out, 0o600); err != nil {
		return "", fmt.Errorf("write checksums: %w", err)
	}
	return hash, nil
}

func loadChecksums(dir string) (*ChecksumManifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ChecksumFile))
	if err != nil {
		return nil, err
	}
	var manifest ChecksumManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parse checksums: %w", err)
	}
	if manifest.Version != 1 {
		return nil, fmt.Errorf("unsupported checksums version: %d", manifest.Version)
	}
	if manifest.Hashes == nil {
		manifest.Hashes = map[string]string{}
	}
	return &manifest, nil
}

// verifyChecksum is a no-op without a manifest. With one, the file must be
// listed and match.
func verifyChecksum(absPath string, data []byte) error {
	dir := filepath.Dir(absPath)
	manifest, err := loadChecksums(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	name := filepath.Base(absPath)
	want, ok := manifest.Hashes[name]
	if !ok {
		return fmt.Errorf("config file %s has no hash in %s; run: swarmhub config lock --config %s", name, filepath.Join(dir, ChecksumFile), absPath)
	}
	if got := hashBytes(data); got != want {
		return fmt.Errorf("config file %s does not match its locked hash (expected %s, got %s); if the edit was intentional run: swarmhub config lock --config %s", name, want, got, absPath)
	}
	return nil
}
