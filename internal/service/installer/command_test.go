package installer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mitchellh/go-ps"
	"github.com/stretchr/testify/require"

	"github.com/chaya2z/vyatta-cfg-system/internal/checksum"
	"github.com/chaya2z/vyatta-cfg-system/internal/cleanup"
	"github.com/chaya2z/vyatta-cfg-system/internal/config"
	"github.com/chaya2z/vyatta-cfg-system/internal/install"
	"github.com/chaya2z/vyatta-cfg-system/internal/mount"
	"github.com/chaya2z/vyatta-cfg-system/internal/partition"
)

type fakeMounter struct {
	calls []string
}

func (m *fakeMounter) Mount(_ context.Context, source, target, fstype, _ string) error {
	m.calls = append(m.calls, fmt.Sprintf("%s %s %s", fstype, source, target))
	return nil
}

type fakeProber struct {
	response string
	err      error
}

func (p fakeProber) Probe(context.Context) (string, error) {
	return p.response, p.err
}

type fakeDelegates struct {
	calls []string
}

func (d *fakeDelegates) InstallNew(_ context.Context, partition, drive string) error {
	d.calls = append(d.calls, "new "+partition+" "+drive)
	return nil
}

func (d *fakeDelegates) PostinstallNew(_ context.Context, drive, partition, mode string) error {
	d.calls = append(d.calls, "postinst "+drive+" "+partition+" "+mode)
	return nil
}

func (d *fakeDelegates) InstallExisting(_ context.Context, category string) error {
	d.calls = append(d.calls, "existing "+category)
	return nil
}

type fakeConfirmer struct {
	answer    bool
	questions []string
}

func (c *fakeConfirmer) Confirm(question string, _ bool) (bool, error) {
	c.questions = append(c.questions, question)
	return c.answer, nil
}

type fakeProcess struct {
	pid  int
	name string
}

func (p fakeProcess) Pid() int           { return p.pid }
func (p fakeProcess) PPid() int          { return 0 }
func (p fakeProcess) Executable() string { return p.name }

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	root := t.TempDir()
	cfg.ContainerMountpoint = filepath.Join(root, "cdrom")
	cfg.InnerMountpoint = filepath.Join(root, "cdsquash")
	cfg.LiveMediumRoot = filepath.Join(root, "medium")

	return cfg
}

// writeISO creates a file carrying the ISO-9660 signature at the standard
// volume descriptor offset.
func writeISO(t *testing.T, dir string) string {
	t.Helper()

	path := filepath.Join(dir, "image.iso")
	contents := make([]byte, 32769+5)
	copy(contents[32769:], "CD001")
	require.NoError(t, os.WriteFile(path, contents, 0o600))

	return path
}

// populateContainer lays out a minimal valid image content tree under the
// container mountpoint, including a matching sha256 manifest.
func populateContainer(t *testing.T, root, distributionID string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Join(root, "live"), 0o755))

	files := map[string]string{
		"live/filesystem.squashfs": "squashfs-contents",
		"live/packages.txt":        "linux-image\n" + distributionID + " 1.0\n",
	}

	var manifest strings.Builder

	for name, contents := range files {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte(contents), 0o600))

		sum := sha256.Sum256([]byte(contents))
		fmt.Fprintf(&manifest, "%s  %s\n", hex.EncodeToString(sum[:]), name)
	}

	require.NoError(t, os.WriteFile(filepath.Join(root, "sha256sum.txt"), []byte(manifest.String()), 0o600))
}

func newTestRunner(t *testing.T, cfg *config.Config) (*runner, *fakeMounter, *fakeDelegates, *fakeConfirmer) {
	t.Helper()

	mounter := &fakeMounter{}
	delegates := &fakeDelegates{}
	confirmer := &fakeConfirmer{answer: true}

	r := &runner{
		cfg:      cfg,
		tracker:  cleanup.NewTracker(),
		prompter: confirmer,
		mounter:  mounter,
		prober:   fakeProber{response: "union\n"},
		dispatch: install.NewDispatcher(delegates, cfg.RootFSMode),
		liveBoot: func() (bool, error) { return false, nil },
	}

	return r, mounter, delegates, confirmer
}

func TestRunRequiresRoot(t *testing.T) {
	original := geteuid
	geteuid = func() int { return 1000 }
	t.Cleanup(func() { geteuid = original })

	err := Run(context.Background(), &Options{Image: "/tmp/image.iso"})
	require.ErrorIs(t, err, errNeedRoot)
}

func TestRunRejectsOneSidedCredentials(t *testing.T) {
	originalEUID := geteuid
	originalList := listProcesses
	geteuid = func() int { return 0 }
	listProcesses = func() ([]ps.Process, error) { return nil, nil }
	t.Cleanup(func() {
		geteuid = originalEUID
		listProcesses = originalList
	})

	err := Run(context.Background(), &Options{
		Image:      "/tmp/image.iso",
		Username:   "installer",
		ConfigPath: filepath.Join(t.TempDir(), "absent.yaml"),
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "together")
}

func TestRunRejectsSecondInstance(t *testing.T) {
	originalEUID := geteuid
	originalList := listProcesses
	geteuid = func() int { return 0 }
	listProcesses = func() ([]ps.Process, error) {
		return []ps.Process{
			fakeProcess{pid: os.Getpid() + 1, name: filepath.Base(os.Args[0])},
		}, nil
	}
	t.Cleanup(func() {
		geteuid = originalEUID
		listProcesses = originalList
	})

	err := Run(context.Background(), &Options{Image: "/tmp/image.iso"})
	require.ErrorIs(t, err, errAlreadyRunning)
}

func TestDetectLiveBoot(t *testing.T) {
	t.Parallel()

	mounts := filepath.Join(t.TempDir(), "mounts")
	table := "/dev/sda1 / ext4 rw 0 0\n/dev/sr0 /lib/live/mount/medium iso9660 ro 0 0\n"
	require.NoError(t, os.WriteFile(mounts, []byte(table), 0o600))

	live, err := detectLiveBoot(mounts, "/lib/live/mount/medium")
	require.NoError(t, err)
	require.True(t, live)

	live, err = detectLiveBoot(mounts, "/mnt/other")
	require.NoError(t, err)
	require.False(t, live)
}

func TestRunnerRejectsImageWithLiveBoot(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Image = "/tmp/image.iso"

	r, _, delegates, _ := newTestRunner(t, cfg)
	r.liveBoot = func() (bool, error) { return true, nil }

	err := r.run(context.Background())
	require.ErrorIs(t, err, errImageWithLiveBoot)
	require.Empty(t, delegates.calls)
}

func TestRunnerRequiresImageWithoutLiveBoot(t *testing.T) {
	t.Parallel()

	r, _, delegates, _ := newTestRunner(t, testConfig(t))

	err := r.run(context.Background())
	require.ErrorIs(t, err, errImageRequired)
	require.Empty(t, delegates.calls)
}

func TestRunnerAbortsWhenOperatorDeclines(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)

	r, mounter, delegates, confirmer := newTestRunner(t, cfg)
	r.liveBoot = func() (bool, error) { return true, nil }
	confirmer.answer = false

	err := r.run(context.Background())
	require.ErrorIs(t, err, errAborted)
	require.Empty(t, mounter.calls)
	require.Empty(t, delegates.calls)
	require.Empty(t, r.tracker.Mounts())
}

func TestRunnerInstallsLocalImage(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Image = writeISO(t, t.TempDir())
	populateContainer(t, cfg.ContainerMountpoint, cfg.DistributionID)

	r, mounter, delegates, confirmer := newTestRunner(t, cfg)

	err := r.run(context.Background())
	require.NoError(t, err)

	// Local image: no prompts, both mount stages, one existing-system install.
	require.Empty(t, confirmer.questions)
	require.Len(t, mounter.calls, 2)
	require.Contains(t, mounter.calls[0], "iso9660 "+cfg.Image)
	require.Contains(t, mounter.calls[1], "squashfs")
	require.Equal(t, []string{"existing union"}, delegates.calls)
	require.Equal(t, []string{cfg.ContainerMountpoint, cfg.InnerMountpoint}, r.tracker.Mounts())
}

func TestRunnerInstallsFromBootMedium(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	populateContainer(t, cfg.LiveMediumRoot, cfg.DistributionID)

	r, mounter, delegates, confirmer := newTestRunner(t, cfg)
	r.liveBoot = func() (bool, error) { return true, nil }

	err := r.run(context.Background())
	require.NoError(t, err)

	require.Len(t, confirmer.questions, 1)
	// Only the inner filesystem is mounted: the medium itself belongs to the
	// boot process and is never registered for unmount.
	require.Len(t, mounter.calls, 1)
	require.Equal(t, []string{cfg.InnerMountpoint}, r.tracker.Mounts())
	require.Equal(t, []string{"existing union"}, delegates.calls)
}

func TestRunnerReportsChecksumFailures(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Image = writeISO(t, t.TempDir())
	populateContainer(t, cfg.ContainerMountpoint, cfg.DistributionID)

	// Tamper with a file after the manifest was produced.
	squashfs := filepath.Join(cfg.ContainerMountpoint, "live/filesystem.squashfs")
	require.NoError(t, os.WriteFile(squashfs, []byte("tampered"), 0o600))

	r, _, delegates, _ := newTestRunner(t, cfg)

	err := r.run(context.Background())

	var verification *checksum.VerificationError
	require.ErrorAs(t, err, &verification)
	require.Equal(t, 1, verification.Failures)
	require.Empty(t, delegates.calls)

	// Mounts stay registered so the caller's deferred release unwinds them.
	require.NotEmpty(t, r.tracker.Mounts())
}

func TestRunnerRejectsCorruptContainer(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Image = writeISO(t, t.TempDir())
	require.NoError(t, os.MkdirAll(cfg.ContainerMountpoint, 0o755))

	r, _, delegates, _ := newTestRunner(t, cfg)

	err := r.run(context.Background())
	require.ErrorIs(t, err, mount.ErrNotDistributionImage)
	require.Empty(t, delegates.calls)
}

func TestRunnerRejectsNonISOImage(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Image = filepath.Join(t.TempDir(), "notiso.bin")
	require.NoError(t, os.WriteFile(cfg.Image, []byte("plain file"), 0o600))

	r, mounter, _, _ := newTestRunner(t, cfg)

	err := r.run(context.Background())
	require.ErrorIs(t, err, mount.ErrNotISO)
	require.Empty(t, mounter.calls)
}

func TestRunnerRejectsUnknownPartitionCategory(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Image = writeISO(t, t.TempDir())
	populateContainer(t, cfg.ContainerMountpoint, cfg.DistributionID)

	r, _, delegates, _ := newTestRunner(t, cfg)
	r.prober = fakeProber{response: "exotic\n"}

	err := r.run(context.Background())
	require.ErrorIs(t, err, install.ErrUnknownCategory)
	require.Empty(t, delegates.calls)
}

var _ partition.Prober = fakeProber{}
