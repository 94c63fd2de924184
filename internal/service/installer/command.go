package installer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mitchellh/go-ps"
	"golang.org/x/sys/unix"

	"github.com/chaya2z/vyatta-cfg-system/internal/checksum"
	"github.com/chaya2z/vyatta-cfg-system/internal/cleanup"
	"github.com/chaya2z/vyatta-cfg-system/internal/config"
	"github.com/chaya2z/vyatta-cfg-system/internal/fetch"
	"github.com/chaya2z/vyatta-cfg-system/internal/image"
	"github.com/chaya2z/vyatta-cfg-system/internal/install"
	"github.com/chaya2z/vyatta-cfg-system/internal/logger"
	"github.com/chaya2z/vyatta-cfg-system/internal/mount"
	"github.com/chaya2z/vyatta-cfg-system/internal/partition"
	"github.com/chaya2z/vyatta-cfg-system/internal/prompt"
	"github.com/chaya2z/vyatta-cfg-system/internal/verify"
)

var (
	errNeedRoot          = errors.New("installation requires administrative privileges")
	errAlreadyRunning    = errors.New("another installer instance is already running")
	errImageWithLiveBoot = errors.New("an image reference cannot be given when booted from installation media")
	errImageRequired     = errors.New("an image file or URL is required when not booted from installation media")
	errAborted           = errors.New("installation aborted by the operator")
)

// Overridable process probes; variables so tests can run unprivileged.
//
//nolint:gochecknoglobals // Test seams for privilege and process checks.
var (
	geteuid       = unix.Geteuid
	listProcesses = ps.Processes
)

// Options are the operator-supplied inputs accepted by the installer
// entry point.
type Options struct {
	// Image is the OS image reference: a local path or a remote URL.
	Image string
	// Username and Password are the optional fetch credentials.
	Username string
	Password string
	// VRF is the routing domain for remote transfers.
	VRF string
	// ConfigPath is the optional path to the installer settings file.
	ConfigPath string
}

// runner holds the collaborators for a single installation run. All of them
// default to the real implementations and are swappable in tests.
type runner struct {
	cfg      *config.Config
	tracker  *cleanup.Tracker
	prompter verify.Confirmer
	fetcher  fetch.Fetcher
	mounter  mount.Mounter
	prober   partition.Prober
	dispatch *install.Dispatcher
	liveBoot func() (bool, error)
}

// Run executes the installer lifecycle and is the public entry point for the
// CLI. Cleanup of every mount and temporary path is guaranteed by a single
// deferred release, shared by normal completion, every fatal error and
// signal-driven cancellation alike.
func Run(ctx context.Context, opts *Options) error {
	ctx = logger.WithName(ctx, "install-system")

	r, err := newRunner(ctx, opts)
	if err != nil {
		logger.ErrorKV(ctx, "Unable to start the installer", "error", err)
		return err
	}

	// WithoutCancel: releasing resources must proceed even when the run
	// context was canceled by a signal.
	defer r.tracker.ReleaseAll(context.WithoutCancel(ctx))

	if err = r.run(ctx); err != nil {
		logger.ErrorKV(ctx, "Installation failed", "error", err)
		return err
	}

	logger.Info(ctx, "Installation finished successfully")

	return nil
}

// newRunner checks preconditions and wires the default collaborators.
// Precondition failures happen before any side effect.
func newRunner(ctx context.Context, opts *Options) (*runner, error) {
	if geteuid() != 0 {
		return nil, errNeedRoot
	}

	running, err := anotherInstanceRunning()
	if err != nil {
		return nil, fmt.Errorf("inspect processes: %w", err)
	}

	if running {
		return nil, errAlreadyRunning
	}

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}

	cfg.Image = opts.Image
	cfg.Username = opts.Username
	cfg.Password = opts.Password
	cfg.VRF = opts.VRF

	if err = config.Validate(cfg); err != nil {
		return nil, err
	}

	tracker := cleanup.NewTracker()

	r := &runner{
		cfg:      cfg,
		tracker:  tracker,
		prompter: prompt.New(),
		fetcher: fetch.New(fetch.Credentials{
			Username: cfg.Username,
			Password: cfg.Password,
		}, cfg.VRF),
		mounter:  mount.NewExecMounter(),
		prober:   partition.NewExecProber(cfg.ProbeCommand),
		dispatch: install.NewDispatcher(install.NewExecDelegates(cfg), cfg.RootFSMode),
		liveBoot: func() (bool, error) {
			return detectLiveBoot("/proc/mounts", cfg.LiveMediumRoot)
		},
	}

	logger.DebugKV(ctx, "Installer initialized", "image", cfg.Image, "vrf", cfg.VRF)

	return r, nil
}

// run executes the acquisition, verification, mount, checksum, partition and
// dispatch pipeline in order.
func (r *runner) run(ctx context.Context) error {
	live, err := r.liveBoot()
	if err != nil {
		return fmt.Errorf("detect boot mode: %w", err)
	}

	if live && r.cfg.Image != "" {
		return errImageWithLiveBoot
	}

	if !live && r.cfg.Image == "" {
		return errImageRequired
	}

	sequencer := mount.NewSequencer(r.tracker, r.mounter, r.cfg)

	containerRoot, err := r.resolveContainer(ctx, live, sequencer)
	if err != nil {
		return err
	}

	if _, err = sequencer.MountInner(ctx, containerRoot); err != nil {
		return err
	}

	logger.Info(ctx, "Verifying file checksums of the image")

	manifest, err := checksum.LoadManifest(containerRoot)
	if err != nil {
		return err
	}

	// Checksum failure flows through the same deferred release as every
	// other fatal error.
	if err = checksum.VerifyTree(ctx, containerRoot, manifest); err != nil {
		return err
	}

	plan, err := partition.Resolve(ctx, r.prober)
	if err != nil {
		return err
	}

	return r.dispatch.Dispatch(ctx, plan)
}

// resolveContainer produces the mounted container root: the live boot medium
// as-is, or the acquired image mounted through stage one. The live medium was
// mounted by the boot process, not by us, so it is never registered for
// unmount.
func (r *runner) resolveContainer(ctx context.Context, live bool, sequencer *mount.Sequencer) (string, error) {
	if live {
		ok, err := r.prompter.Confirm("This will install the system from the boot medium onto local storage. Continue?", true)
		if err != nil {
			return "", fmt.Errorf("confirm installation: %w", err)
		}

		if !ok {
			return "", errAborted
		}

		logger.InfoKV(ctx, "Installing from the boot medium", "medium", r.cfg.LiveMediumRoot)

		return r.cfg.LiveMediumRoot, nil
	}

	acquired, err := image.Acquire(ctx, r.tracker, r.fetcher, r.cfg.Image)
	if err != nil {
		return "", err
	}

	if acquired.Remote {
		if err = verify.Run(ctx, acquired, verify.Keys{
			Primary:     r.cfg.SigningKey,
			Backup:      r.cfg.BackupSigningKey,
			KeyringPath: r.cfg.GPGKeyring,
		}, r.prompter); err != nil {
			return "", err
		}
	} else {
		// Locally supplied images skip signature verification on purpose:
		// there is no co-located artifact to fetch and the file is assumed
		// pre-vetted by whoever placed it.
		logger.Info(ctx, "Skipping signature verification for a local image")
	}

	return sequencer.MountContainer(ctx, acquired.Path)
}

// anotherInstanceRunning reports whether a different process with our
// executable name exists.
func anotherInstanceRunning() (bool, error) {
	processes, err := listProcesses()
	if err != nil {
		return false, err
	}

	self := filepath.Base(os.Args[0])
	selfPID := os.Getpid()

	for _, process := range processes {
		if process.Pid() != selfPID && process.Executable() == self {
			return true, nil
		}
	}

	return false, nil
}
