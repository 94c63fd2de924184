// Package install routes a resolved partition plan to one of three mutually
// exclusive installation strategies, each delegated to an external installer
// program. The dispatcher carries no installation logic of its own: it checks
// preconditions, runs the delegates in order and stops at the first failure.
package install

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/chaya2z/vyatta-cfg-system/internal/config"
	"github.com/chaya2z/vyatta-cfg-system/internal/logger"
	"github.com/chaya2z/vyatta-cfg-system/internal/partition"
)

var (
	// ErrUnknownCategory is returned for a category outside new/union/old.
	ErrUnknownCategory = errors.New("unknown partition type")

	errNoSuchDevice = errors.New("device does not exist")
)

// Delegates invokes the external installer programs. Each call blocks until
// the program exits; a non-zero exit is the sole failure signal.
type Delegates interface {
	InstallNew(ctx context.Context, partition, drive string) error
	PostinstallNew(ctx context.Context, drive, partition, mode string) error
	InstallExisting(ctx context.Context, category string) error
}

// execDelegates runs the configured installer programs with the operator's
// console attached.
type execDelegates struct {
	cfg *config.Config
}

// NewExecDelegates returns Delegates backed by the configured commands.
func NewExecDelegates(cfg *config.Config) Delegates {
	return execDelegates{cfg: cfg}
}

func (d execDelegates) InstallNew(ctx context.Context, partition, drive string) error {
	return runDelegate(ctx, d.cfg.InstallNewCommand, partition, drive)
}

func (d execDelegates) PostinstallNew(ctx context.Context, drive, partition, mode string) error {
	return runDelegate(ctx, d.cfg.PostinstallCommand, drive, partition, mode)
}

func (d execDelegates) InstallExisting(ctx context.Context, category string) error {
	return runDelegate(ctx, d.cfg.InstallExistingCommand, category)
}

func runDelegate(ctx context.Context, command string, args ...string) error {
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w", command, err)
	}

	return nil
}

// Dispatcher routes a partition plan to its installation strategy.
type Dispatcher struct {
	delegates  Delegates
	rootFSMode string

	// devicePath maps a device name to its node path; a variable for tests.
	devicePath func(name string) string
}

// NewDispatcher wires the dispatcher to its delegates and the postinstall
// root filesystem mode.
func NewDispatcher(delegates Delegates, rootFSMode string) *Dispatcher {
	return &Dispatcher{
		delegates:  delegates,
		rootFSMode: rootFSMode,
		devicePath: func(name string) string { return "/dev/" + name },
	}
}

// Dispatch executes the strategy selected by the plan's category. Each
// branch either ends the run successfully or fails fatally; no further
// steps are attempted after a delegate failure.
func (d *Dispatcher) Dispatch(ctx context.Context, plan *partition.Plan) error {
	switch plan.Category {
	case partition.CategoryNew:
		return d.installNew(ctx, plan)
	case partition.CategoryUnion, partition.CategoryOld:
		logger.InfoKV(ctx, "Installing onto existing system", "category", plan.Category)

		if err := d.delegates.InstallExisting(ctx, string(plan.Category)); err != nil {
			return fmt.Errorf("install onto existing system: %w", err)
		}

		return nil
	default:
		return fmt.Errorf("%q: %w", plan.Category, ErrUnknownCategory)
	}
}

// installNew checks that both devices exist, then runs the install and
// post-install delegates in order.
func (d *Dispatcher) installNew(ctx context.Context, plan *partition.Plan) error {
	for _, device := range []string{plan.Partition, plan.Drive} {
		if _, err := os.Stat(d.devicePath(device)); err != nil {
			return fmt.Errorf("%s: %w", d.devicePath(device), errNoSuchDevice)
		}
	}

	logger.InfoKV(ctx, "Installing onto new partition", "partition", plan.Partition, "drive", plan.Drive)

	if err := d.delegates.InstallNew(ctx, plan.Partition, plan.Drive); err != nil {
		return fmt.Errorf("install onto new partition: %w", err)
	}

	if err := d.delegates.PostinstallNew(ctx, plan.Drive, plan.Partition, d.rootFSMode); err != nil {
		return fmt.Errorf("post-install: %w", err)
	}

	return nil
}
