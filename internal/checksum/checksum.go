// Package checksum validates per-file digests of the mounted image tree
// against a manifest found at the container root. A strong sha256 manifest
// is preferred; legacy images fall back to md5. Only these two manifest
// locations are recognized — an image carrying neither is treated as corrupt.
package checksum

import (
	"bufio"
	"context"
	"crypto/md5" //nolint:gosec // Legacy manifest fallback, not a security boundary.
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chaya2z/vyatta-cfg-system/internal/logger"
)

// Algorithm identifies the digest used by a manifest.
type Algorithm string

const (
	// SHA256 is the preferred manifest algorithm.
	SHA256 Algorithm = "sha256"
	// MD5 is the legacy fallback for older images.
	MD5 Algorithm = "md5"

	strongManifestName = "sha256sum.txt"
	legacyManifestName = "md5sum.txt"
)

// ErrNoManifest means neither manifest exists at the container root.
var ErrNoManifest = errors.New("image is corrupt or is not a recognized image")

// Manifest maps relative file paths to their expected hex digests.
// It is read-only once loaded.
type Manifest struct {
	// Algorithm is the digest algorithm of every entry.
	Algorithm Algorithm
	// Entries maps relative paths to lowercase hex digests.
	Entries map[string]string
}

// VerificationError reports how many files failed digest verification.
type VerificationError struct {
	// Failures is the number of mismatching or unreadable files.
	Failures int
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("%d file(s) failed checksum verification", e.Failures)
}

// LoadManifest reads the checksum manifest from the container root,
// preferring the sha256 manifest and falling back to the legacy md5 one.
func LoadManifest(root string) (*Manifest, error) {
	for _, candidate := range []struct {
		name      string
		algorithm Algorithm
	}{
		{name: strongManifestName, algorithm: SHA256},
		{name: legacyManifestName, algorithm: MD5},
	} {
		entries, err := parseManifest(filepath.Join(root, candidate.name))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}

		if err != nil {
			return nil, fmt.Errorf("read %s: %w", candidate.name, err)
		}

		return &Manifest{Algorithm: candidate.algorithm, Entries: entries}, nil
	}

	return nil, ErrNoManifest
}

// VerifyTree checks every manifest entry against the file tree at root and
// returns a VerificationError carrying the mismatch count when any file
// fails. A missing or unreadable file counts as a failure.
func VerifyTree(ctx context.Context, root string, manifest *Manifest) error {
	failures := 0

	for relativePath, expected := range manifest.Entries {
		actual, err := fileDigest(filepath.Join(root, relativePath), manifest.Algorithm)
		if err != nil {
			logger.WarnKV(ctx, "Unable to read file for verification", "file", relativePath, "error", err)

			failures++

			continue
		}

		if actual != expected {
			logger.WarnKV(ctx, "Checksum mismatch", "file", relativePath)

			failures++
		}
	}

	if failures > 0 {
		return &VerificationError{Failures: failures}
	}

	logger.InfoKV(ctx, "All file checksums verified", "files", len(manifest.Entries), "algorithm", manifest.Algorithm)

	return nil
}

// parseManifest reads the coreutils checksum format: a hex digest, a space
// plus a space-or-asterisk mode marker, then the relative path.
func parseManifest(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	defer func() {
		_ = file.Close()
	}()

	entries := make(map[string]string)
	scanner := bufio.NewScanner(file)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		digest, name, found := strings.Cut(line, " ")
		if !found {
			return nil, fmt.Errorf("malformed manifest line %q", line)
		}

		name = strings.TrimPrefix(strings.TrimSpace(name), "*")
		name = strings.TrimPrefix(name, "./")

		entries[name] = strings.ToLower(digest)
	}

	if err = scanner.Err(); err != nil {
		return nil, err
	}

	return entries, nil
}

// fileDigest computes the hex digest of one file using the manifest algorithm.
func fileDigest(path string, algorithm Algorithm) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}

	defer func() {
		_ = file.Close()
	}()

	var hasher hash.Hash

	switch algorithm {
	case MD5:
		hasher = md5.New() //nolint:gosec // Legacy manifest fallback.
	case SHA256:
		hasher = sha256.New()
	default:
		return "", fmt.Errorf("unknown digest algorithm %q", algorithm)
	}

	if _, err = io.Copy(hasher, file); err != nil {
		return "", err
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}
