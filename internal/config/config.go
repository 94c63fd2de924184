package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds the inputs for one installer invocation: the operator-supplied
// flags merged with the optional settings file. Flag fields are never
// persisted to YAML.
type Config struct {
	// Image is the OS image reference: a local path or a remote URL.
	Image string `yaml:"-"`
	// Username is the optional username for the remote fetch.
	// It must be provided together with Password or not at all.
	Username string `yaml:"-" validate:"required_with=Password"`
	// Password is the optional password for the remote fetch.
	Password string `yaml:"-" validate:"required_with=Username"`
	// VRF is the routing domain used for remote transfers.
	VRF string `yaml:"-"`

	// SigningKey is the base64-encoded primary minisign public key.
	SigningKey string `yaml:"signing_key"`
	// BackupSigningKey is tried when verification against SigningKey fails.
	BackupSigningKey string `yaml:"backup_signing_key"`
	// GPGKeyring is the path to the armored keyring trusted for .asc signatures.
	GPGKeyring string `yaml:"gpg_keyring"`

	// ContainerMountpoint is where the ISO image is mounted read-only.
	ContainerMountpoint string `yaml:"container_mountpoint"`
	// InnerMountpoint is where the compressed filesystem image is mounted.
	InnerMountpoint string `yaml:"inner_mountpoint"`
	// InnerImagePath is the squashfs location relative to the container root.
	InnerImagePath string `yaml:"inner_image_path"`
	// PackagesFile is the package manifest location relative to the container root.
	PackagesFile string `yaml:"packages_file"`
	// DistributionID is the package name that must appear in the manifest
	// for the image to be accepted as one of ours.
	DistributionID string `yaml:"distribution_id"`
	// LiveMediumRoot is where live-boot exposes the boot medium.
	LiveMediumRoot string `yaml:"live_medium_root"`

	// ProbeCommand reports the target partition category and devices.
	ProbeCommand string `yaml:"probe_command"`
	// InstallNewCommand installs the system onto a freshly created partition.
	InstallNewCommand string `yaml:"install_new_command"`
	// PostinstallCommand finalizes a new-partition install.
	PostinstallCommand string `yaml:"postinstall_command"`
	// InstallExistingCommand installs onto an existing (union or old) system.
	InstallExistingCommand string `yaml:"install_existing_command"`
	// RootFSMode is passed to the postinstall step for new installs.
	RootFSMode string `yaml:"rootfs_mode"`
}

const (
	// DefaultConfigFilename is the default path of the installer settings file.
	// The file is optional; compiled-in defaults apply when it is absent.
	DefaultConfigFilename = "/etc/install-system.yaml"

	defaultContainerMountpoint = "/mnt/cdrom"
	defaultInnerMountpoint     = "/mnt/cdsquash"
	defaultInnerImagePath      = "live/filesystem.squashfs"
	defaultPackagesFile        = "live/packages.txt"
	defaultDistributionID      = "vyatta-version"
	defaultLiveMediumRoot      = "/lib/live/mount/medium"
	defaultGPGKeyring          = "/opt/vyatta/etc/release-keyring.gpg"

	defaultProbeCommand           = "/opt/vyatta/sbin/install-get-partition"
	defaultInstallNewCommand      = "/opt/vyatta/sbin/install-image-new"
	defaultPostinstallCommand     = "/opt/vyatta/sbin/install-postinst-new"
	defaultInstallExistingCommand = "/opt/vyatta/sbin/install-image-existing"
	defaultRootFSMode             = "union"
)

var errOneSidedCredentials = errors.New("username and password must be provided together")

//nolint:gochecknoglobals // A single validator instance is the intended usage.
var validate = validator.New()

// Load reads the settings file, applies defaults for unset fields and
// validates the result. A missing file is not an error: the installer is
// expected to work with compiled-in defaults on a pristine system.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigFilename
	}

	var cfg Config

	contents, err := os.ReadFile(filepath.Clean(path))
	switch {
	case errors.Is(err, os.ErrNotExist):
		// Defaults only.
	case err != nil:
		return nil, fmt.Errorf("read settings: %w", err)
	default:
		if err = yaml.Unmarshal(contents, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal settings: %w", err)
		}
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// Validate checks the invariants of a fully merged configuration.
// It must be called before any side effect of the run.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var fieldErrors validator.ValidationErrors
		if errors.As(err, &fieldErrors) {
			return fmt.Errorf("%w", errOneSidedCredentials)
		}

		return fmt.Errorf("validate configuration: %w", err)
	}

	return nil
}

// applyDefaults fills unset fields with compiled-in values.
func (c *Config) applyDefaults() {
	setIfEmpty(&c.ContainerMountpoint, defaultContainerMountpoint)
	setIfEmpty(&c.InnerMountpoint, defaultInnerMountpoint)
	setIfEmpty(&c.InnerImagePath, defaultInnerImagePath)
	setIfEmpty(&c.PackagesFile, defaultPackagesFile)
	setIfEmpty(&c.DistributionID, defaultDistributionID)
	setIfEmpty(&c.LiveMediumRoot, defaultLiveMediumRoot)
	setIfEmpty(&c.GPGKeyring, defaultGPGKeyring)
	setIfEmpty(&c.ProbeCommand, defaultProbeCommand)
	setIfEmpty(&c.InstallNewCommand, defaultInstallNewCommand)
	setIfEmpty(&c.PostinstallCommand, defaultPostinstallCommand)
	setIfEmpty(&c.InstallExistingCommand, defaultInstallExistingCommand)
	setIfEmpty(&c.RootFSMode, defaultRootFSMode)
}

func setIfEmpty(field *string, value string) {
	if *field == "" {
		*field = value
	}
}
