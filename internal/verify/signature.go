// Package verify validates the authenticity of a fetched image using a
// layered fallback of signature schemes: minisign against a primary then a
// backup trusted key, or an armored OpenPGP detached signature against a
// configured keyring. Every failure tier is gated by an operator
// confirmation whose default answer is part of the safety posture and must
// not be changed casually.
package verify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/ProtonMail/go-crypto/openpgp"
	minisign "github.com/jedisct1/go-minisign"

	"github.com/chaya2z/vyatta-cfg-system/internal/image"
	"github.com/chaya2z/vyatta-cfg-system/internal/logger"
)

// Confirmer asks the operator a yes/no question.
type Confirmer interface {
	Confirm(question string, defaultYes bool) (bool, error)
}

// Keys holds the trusted verification material.
type Keys struct {
	// Primary is the base64-encoded minisign public key tried first.
	Primary string
	// Backup is tried when verification against Primary fails.
	Backup string
	// KeyringPath is the OpenPGP keyring trusted for .asc signatures.
	KeyringPath string
}

var (
	// ErrDeclined is returned when the operator aborts the installation.
	ErrDeclined = errors.New("installation aborted by the operator")

	errNoTrustedKey = errors.New("no trusted signing key configured")
	errBadSignature = errors.New("signature does not match the image")
)

// Run applies the verification policy to a fetched image:
//   - no artifact: ask to continue without verification (default yes);
//   - minisign artifact: primary key, then backup key;
//   - OpenPGP artifact (when minisign was not attempted): keyring check;
//   - any failure: ask to continue anyway (default no).
func Run(ctx context.Context, acquired *image.Acquired, keys Keys, confirmer Confirmer) error {
	if acquired.Scheme == image.SchemeNone {
		ok, err := confirmer.Confirm("No signature file was found for the image. Continue without verification?", true)
		if err != nil {
			return fmt.Errorf("confirm unverified image: %w", err)
		}

		if !ok {
			return ErrDeclined
		}

		logger.Warn(ctx, "Continuing without signature verification")

		return nil
	}

	verifyErr := verifyArtifact(ctx, acquired, keys)
	if verifyErr == nil {
		logger.Info(ctx, "Image signature verified")
		return nil
	}

	logger.WarnKV(ctx, "Signature verification failed", "error", verifyErr)

	ok, err := confirmer.Confirm("Signature verification FAILED. Continue anyway?", false)
	if err != nil {
		return fmt.Errorf("confirm failed verification: %w", err)
	}

	if !ok {
		return ErrDeclined
	}

	logger.Warn(ctx, "Proceeding despite failed signature verification")

	return nil
}

// verifyArtifact dispatches on the signature scheme recorded at acquisition.
func verifyArtifact(ctx context.Context, acquired *image.Acquired, keys Keys) error {
	switch acquired.Scheme {
	case image.SchemeMinisign:
		err := verifyMinisign(acquired.Path, acquired.SignaturePath, keys.Primary)
		if err != nil && keys.Backup != "" {
			logger.Warnf(ctx, "Primary key verification failed (%v), trying the backup key", err)
			err = verifyMinisign(acquired.Path, acquired.SignaturePath, keys.Backup)
		}

		return err
	case image.SchemeGPG:
		return verifyGPG(acquired.Path, acquired.SignaturePath, keys.KeyringPath)
	default:
		return fmt.Errorf("unknown signature scheme %q", acquired.Scheme)
	}
}

// verifyMinisign checks the minisign signature against one trusted key.
func verifyMinisign(imagePath, signaturePath, trustedKey string) error {
	if trustedKey == "" {
		return errNoTrustedKey
	}

	publicKey, err := minisign.NewPublicKey(trustedKey)
	if err != nil {
		return fmt.Errorf("decode trusted key: %w", err)
	}

	signature, err := minisign.NewSignatureFromFile(signaturePath)
	if err != nil {
		return fmt.Errorf("read signature: %w", err)
	}

	contents, err := os.ReadFile(imagePath)
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}

	if _, err = publicKey.Verify(contents, signature); err != nil {
		return fmt.Errorf("%w: %w", errBadSignature, err)
	}

	return nil
}

// verifyGPG checks an armored detached signature against the trusted keyring.
// The keyring may be stored armored or binary.
func verifyGPG(imagePath, signaturePath, keyringPath string) error {
	keyringBytes, err := os.ReadFile(keyringPath)
	if err != nil {
		return fmt.Errorf("read keyring: %w", err)
	}

	keyring, err := openpgp.ReadArmoredKeyRing(bytes.NewReader(keyringBytes))
	if err != nil {
		keyring, err = openpgp.ReadKeyRing(bytes.NewReader(keyringBytes))
		if err != nil {
			return fmt.Errorf("parse keyring: %w", err)
		}
	}

	signed, err := os.Open(imagePath)
	if err != nil {
		return fmt.Errorf("open image: %w", err)
	}

	defer func() {
		_ = signed.Close()
	}()

	signatureFile, err := os.Open(signaturePath)
	if err != nil {
		return fmt.Errorf("open signature: %w", err)
	}

	defer func() {
		_ = signatureFile.Close()
	}()

	if _, err = openpgp.CheckArmoredDetachedSignature(keyring, signed, signatureFile, nil); err != nil {
		return fmt.Errorf("%w: %w", errBadSignature, err)
	}

	return nil
}
