// Package mount exposes the installable content of an OS image through a
// two-stage mount: the ISO-9660 container first, then the compressed
// filesystem image found inside it. Each stage is registered with the
// resource tracker the moment it succeeds so a later failure still unwinds
// the earlier stages. Mount-mechanism failures and content-validation
// failures are reported as distinct errors.
package mount

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/chaya2z/vyatta-cfg-system/internal/cleanup"
	"github.com/chaya2z/vyatta-cfg-system/internal/config"
	"github.com/chaya2z/vyatta-cfg-system/internal/logger"
)

const (
	// isoMagicOffset is where the ISO-9660 volume descriptor begins.
	isoMagicOffset = 32769
	// isoMagic is the standard identifier of an ISO-9660 volume descriptor.
	isoMagic = "CD001"
)

var (
	// ErrNotISO marks a file rejected before any mount attempt because it
	// does not carry an ISO-9660 filesystem signature.
	ErrNotISO = errors.New("image is not an ISO-9660 filesystem")
	// ErrNotDistributionImage marks a mounted container that does not hold
	// a recognizable distribution filesystem.
	ErrNotDistributionImage = errors.New("not a valid distribution image")
)

// Mounter is the single retry-free mount primitive both stages go through.
type Mounter interface {
	Mount(ctx context.Context, source, target, fstype, options string) error
}

// execMounter mounts via the system mount binary; a non-zero exit is the
// sole error signal.
type execMounter struct{}

func (execMounter) Mount(ctx context.Context, source, target, fstype, options string) error {
	cmd := exec.CommandContext(ctx, "mount", "-t", fstype, "-o", options, source, target)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("mount %s on %s: %w: %s", source, target, err, strings.TrimSpace(string(output)))
	}

	return nil
}

// NewExecMounter returns the default mount primitive.
func NewExecMounter() Mounter {
	return execMounter{}
}

// Sequencer performs the two-stage mount for one image.
type Sequencer struct {
	tracker *cleanup.Tracker
	mounter Mounter
	cfg     *config.Config
}

// NewSequencer wires a Sequencer to the tracker, mount primitive and
// configured mount locations.
func NewSequencer(tracker *cleanup.Tracker, mounter Mounter, cfg *config.Config) *Sequencer {
	return &Sequencer{tracker: tracker, mounter: mounter, cfg: cfg}
}

// MountContainer validates the ISO-9660 signature and mounts the image
// read-only at the container mountpoint. The mountpoint is registered with
// the tracker immediately on success.
func (s *Sequencer) MountContainer(ctx context.Context, imagePath string) (string, error) {
	if err := probeISO(imagePath); err != nil {
		return "", err
	}

	target := s.cfg.ContainerMountpoint
	if err := os.MkdirAll(target, 0o755); err != nil {
		return "", fmt.Errorf("create mountpoint %s: %w", target, err)
	}

	if err := s.mounter.Mount(ctx, imagePath, target, "iso9660", "loop,ro"); err != nil {
		return "", err
	}

	s.tracker.RegisterMount(target)
	logger.InfoKV(ctx, "Mounted image container", "mountpoint", target)

	return target, nil
}

// MountInner validates the container content and mounts the inner compressed
// filesystem read-only at the inner mountpoint. Validation failures leave the
// container registered so the caller's release path unwinds it.
func (s *Sequencer) MountInner(ctx context.Context, containerRoot string) (string, error) {
	innerImage := filepath.Join(containerRoot, s.cfg.InnerImagePath)
	if _, err := os.Stat(innerImage); err != nil {
		return "", fmt.Errorf("missing %s: %w", s.cfg.InnerImagePath, ErrNotDistributionImage)
	}

	if err := s.checkPackages(containerRoot); err != nil {
		return "", err
	}

	target := s.cfg.InnerMountpoint
	if err := os.MkdirAll(target, 0o755); err != nil {
		return "", fmt.Errorf("create mountpoint %s: %w", target, err)
	}

	if err := s.mounter.Mount(ctx, innerImage, target, "squashfs", "loop,ro"); err != nil {
		return "", err
	}

	s.tracker.RegisterMount(target)
	logger.InfoKV(ctx, "Mounted inner filesystem", "mountpoint", target)

	return target, nil
}

// checkPackages requires the package manifest to name the distribution.
func (s *Sequencer) checkPackages(containerRoot string) error {
	manifest, err := os.Open(filepath.Join(containerRoot, s.cfg.PackagesFile))
	if err != nil {
		return fmt.Errorf("missing %s: %w", s.cfg.PackagesFile, ErrNotDistributionImage)
	}

	defer func() {
		_ = manifest.Close()
	}()

	scanner := bufio.NewScanner(manifest)
	for scanner.Scan() {
		if strings.Contains(scanner.Text(), s.cfg.DistributionID) {
			return nil
		}
	}

	if err = scanner.Err(); err != nil {
		return fmt.Errorf("read %s: %w", s.cfg.PackagesFile, err)
	}

	return fmt.Errorf("%s not listed in %s: %w", s.cfg.DistributionID, s.cfg.PackagesFile, ErrNotDistributionImage)
}

// probeISO rejects files without the ISO-9660 magic before any mount attempt.
func probeISO(imagePath string) error {
	file, err := os.Open(imagePath)
	if err != nil {
		return fmt.Errorf("open image: %w", err)
	}

	defer func() {
		_ = file.Close()
	}()

	magic := make([]byte, len(isoMagic))
	if _, err = file.ReadAt(magic, isoMagicOffset); err != nil {
		return fmt.Errorf("%s: %w", imagePath, ErrNotISO)
	}

	if string(magic) != isoMagic {
		return fmt.Errorf("%s: %w", imagePath, ErrNotISO)
	}

	return nil
}
