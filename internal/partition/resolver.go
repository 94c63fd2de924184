// Package partition consumes the external partition probe: the probe decides
// which installation strategy applies to the target storage and reports its
// result through a temporary response file that is read once and discarded.
package partition

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/chaya2z/vyatta-cfg-system/internal/logger"
)

// Category classifies the target storage for installation.
type Category string

const (
	// CategoryNew installs onto a freshly created partition.
	CategoryNew Category = "new"
	// CategoryUnion installs onto an existing union-mounted system.
	CategoryUnion Category = "union"
	// CategoryOld installs onto an existing non-union system.
	CategoryOld Category = "old"
)

// Plan is the probe result: the partition category plus the devices a
// new-partition install targets. It is consumed once and discarded.
type Plan struct {
	// Category selects the installation strategy.
	Category Category
	// Partition is the target partition name (new installs only).
	Partition string
	// Drive is the install drive name (new installs only).
	Drive string
}

var (
	errEmptyResponse   = errors.New("partition probe returned no result")
	errMissingDevices  = errors.New("partition probe did not name a partition and a drive")
	errProbeFailed     = errors.New("partition probe failed")
	errTrailingFields  = errors.New("unexpected fields in partition probe response")
)

// Prober obtains the raw probe response.
type Prober interface {
	Probe(ctx context.Context) (string, error)
}

// execProber runs the external probe program with the operator's console
// attached: the probe owns its own interaction with the operator.
type execProber struct {
	command string
}

// NewExecProber returns a Prober running the configured probe command.
func NewExecProber(command string) Prober {
	return execProber{command: command}
}

func (p execProber) Probe(ctx context.Context) (string, error) {
	responseFile, err := os.CreateTemp("", "install-partition-")
	if err != nil {
		return "", fmt.Errorf("create response file: %w", err)
	}

	responsePath := responseFile.Name()

	defer func() {
		_ = os.Remove(responsePath)
	}()

	if err = responseFile.Close(); err != nil {
		return "", fmt.Errorf("close response file: %w", err)
	}

	cmd := exec.CommandContext(ctx, p.command, responsePath)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err = cmd.Run(); err != nil {
		return "", fmt.Errorf("%w: %w", errProbeFailed, err)
	}

	response, err := os.ReadFile(responsePath)
	if err != nil {
		return "", fmt.Errorf("read probe response: %w", err)
	}

	return string(response), nil
}

// Resolve runs the probe and parses its response into a Plan. The response
// line is `<category> [<partition> <drive>]`; the device fields are required
// for the new category and absent otherwise.
func Resolve(ctx context.Context, prober Prober) (*Plan, error) {
	response, err := prober.Probe(ctx)
	if err != nil {
		return nil, err
	}

	fields := strings.Fields(response)
	if len(fields) == 0 {
		return nil, errEmptyResponse
	}

	plan := &Plan{Category: Category(fields[0])}

	if plan.Category == CategoryNew {
		if len(fields) < 3 {
			return nil, errMissingDevices
		}

		plan.Partition = fields[1]
		plan.Drive = fields[2]
	} else if len(fields) > 1 {
		return nil, fmt.Errorf("%w: %q", errTrailingFields, response)
	}

	logger.InfoKV(ctx, "Resolved target partition",
		"category", plan.Category, "partition", plan.Partition, "drive", plan.Drive)

	return plan, nil
}
