// Package image resolves a user-supplied image reference into a local file.
// Remote references are fetched into a temporary workspace together with any
// detached signature artifact found next to them. Local references are used
// as-is and deliberately skip the signature artifact lookup: a file already
// in hand is assumed pre-vetted, and this asymmetry with the remote path is
// intentional.
package image

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"

	"github.com/chaya2z/vyatta-cfg-system/internal/cleanup"
	"github.com/chaya2z/vyatta-cfg-system/internal/fetch"
	"github.com/chaya2z/vyatta-cfg-system/internal/logger"
)

// SignatureScheme identifies the detached signature artifact found next to a
// fetched image.
type SignatureScheme string

const (
	// SchemeNone means no signature artifact could be obtained.
	SchemeNone SignatureScheme = "none"
	// SchemeMinisign is an ed25519 minisign signature (<name>.minisig).
	SchemeMinisign SignatureScheme = "minisign"
	// SchemeGPG is an armored OpenPGP detached signature (<name>.asc).
	SchemeGPG SignatureScheme = "gpg"
)

// Acquired is the resolved local image: its path plus the co-located
// signature artifact, if any. It is never mutated after creation.
type Acquired struct {
	// Path is the local path of the OS image file.
	Path string
	// Remote records whether the image was fetched from a remote reference.
	Remote bool
	// SignaturePath is the local path of the detached signature artifact,
	// empty when Scheme is SchemeNone.
	SignaturePath string
	// Scheme is the detected signature scheme.
	Scheme SignatureScheme
}

var (
	errImageNotFound = errors.New("image file does not exist")
	errNoFilename    = errors.New("cannot derive a filename from the image reference")
)

// Acquire resolves the reference into a local file. Remote references are
// downloaded into a temporary workspace registered with the tracker; a fetch
// failure of the image itself is fatal, while missing signature artifacts
// are not.
func Acquire(ctx context.Context, tracker *cleanup.Tracker, fetcher fetch.Fetcher, reference string) (*Acquired, error) {
	if !fetch.IsRemote(reference) {
		if _, err := os.Stat(reference); err != nil {
			return nil, fmt.Errorf("%s: %w", reference, errImageNotFound)
		}

		logger.InfoKV(ctx, "Using local image", "path", reference)

		return &Acquired{Path: reference, Scheme: SchemeNone}, nil
	}

	filename, err := filenameFromReference(reference)
	if err != nil {
		return nil, err
	}

	workspace, err := os.MkdirTemp("", "install-image-")
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	tracker.RegisterTemp(workspace)

	destination := filepath.Join(workspace, filename)

	logger.InfoKV(ctx, "Fetching image", "source", reference)

	if err = fetcher.Fetch(ctx, destination, reference); err != nil {
		return nil, fmt.Errorf("fetch image: %w", err)
	}

	acquired := &Acquired{Path: destination, Remote: true, Scheme: SchemeNone}

	// Best-effort signature artifact lookup: minisign first, OpenPGP second.
	for _, candidate := range []struct {
		suffix string
		scheme SignatureScheme
	}{
		{suffix: ".minisig", scheme: SchemeMinisign},
		{suffix: ".asc", scheme: SchemeGPG},
	} {
		signaturePath := destination + candidate.suffix
		if err = fetcher.Fetch(ctx, signaturePath, reference+candidate.suffix); err != nil {
			logger.DebugKV(ctx, "No signature artifact", "source", reference+candidate.suffix, "error", err)
			continue
		}

		logger.InfoKV(ctx, "Fetched signature artifact", "path", signaturePath, "scheme", candidate.scheme)

		acquired.SignaturePath = signaturePath
		acquired.Scheme = candidate.scheme

		break
	}

	return acquired, nil
}

// filenameFromReference derives the destination filename from the final path
// segment of the reference.
func filenameFromReference(reference string) (string, error) {
	parsed, err := url.Parse(reference)
	if err != nil {
		return "", fmt.Errorf("parse image reference: %w", err)
	}

	filename := path.Base(parsed.Path)
	if filename == "." || filename == "/" || filename == "" {
		return "", fmt.Errorf("%s: %w", reference, errNoFilename)
	}

	return filename, nil
}
