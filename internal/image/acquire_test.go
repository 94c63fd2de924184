package image

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chaya2z/vyatta-cfg-system/internal/cleanup"
)

// fakeFetcher serves canned files keyed by source URL.
type fakeFetcher struct {
	files map[string]string
	calls []string
}

func (f *fakeFetcher) Fetch(_ context.Context, destination, source string) error {
	f.calls = append(f.calls, source)

	contents, ok := f.files[source]
	if !ok {
		return errors.New("not found")
	}

	return os.WriteFile(destination, []byte(contents), 0o600)
}

func newTestTracker() *cleanup.Tracker {
	return cleanup.NewTracker()
}

// TestAcquire_LocalPath uses the reference as-is and skips signature lookup.
func TestAcquire_LocalPath(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "image.iso")
	require.NoError(t, os.WriteFile(path, []byte("iso"), 0o600))

	f := &fakeFetcher{}

	acquired, err := Acquire(context.Background(), newTestTracker(), f, path)
	require.NoError(t, err)
	require.Equal(t, path, acquired.Path)
	require.False(t, acquired.Remote)
	require.Equal(t, SchemeNone, acquired.Scheme)
	require.Empty(t, f.calls)
}

// TestAcquire_LocalMissing rejects a nonexistent local path.
func TestAcquire_LocalMissing(t *testing.T) {
	t.Parallel()

	_, err := Acquire(context.Background(), newTestTracker(), &fakeFetcher{}, "/nonexistent/image.iso")
	require.Error(t, err)
}

// TestAcquire_RemoteWithMinisign prefers the minisign artifact and stops there.
func TestAcquire_RemoteWithMinisign(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{files: map[string]string{
		"https://host/images/image.iso":         "iso",
		"https://host/images/image.iso.minisig": "sig",
		"https://host/images/image.iso.asc":     "asc",
	}}

	acquired, err := Acquire(context.Background(), newTestTracker(), f, "https://host/images/image.iso")
	require.NoError(t, err)
	require.True(t, acquired.Remote)
	require.Equal(t, SchemeMinisign, acquired.Scheme)
	require.Equal(t, "image.iso", filepath.Base(acquired.Path))
	require.Equal(t, acquired.Path+".minisig", acquired.SignaturePath)
	require.NotContains(t, f.calls, "https://host/images/image.iso.asc")
}

// TestAcquire_RemoteFallsBackToGPG tries .asc when .minisig is absent.
func TestAcquire_RemoteFallsBackToGPG(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{files: map[string]string{
		"https://host/image.iso":     "iso",
		"https://host/image.iso.asc": "asc",
	}}

	acquired, err := Acquire(context.Background(), newTestTracker(), f, "https://host/image.iso")
	require.NoError(t, err)
	require.Equal(t, SchemeGPG, acquired.Scheme)
}

// TestAcquire_RemoteWithoutSignature records the absence without failing.
func TestAcquire_RemoteWithoutSignature(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{files: map[string]string{
		"https://host/image.iso": "iso",
	}}

	acquired, err := Acquire(context.Background(), newTestTracker(), f, "https://host/image.iso")
	require.NoError(t, err)
	require.Equal(t, SchemeNone, acquired.Scheme)
	require.Empty(t, acquired.SignaturePath)
}

// TestAcquire_RemoteFetchFailure is fatal when the image itself cannot be fetched.
func TestAcquire_RemoteFetchFailure(t *testing.T) {
	t.Parallel()

	tracker := newTestTracker()

	_, err := Acquire(context.Background(), tracker, &fakeFetcher{}, "https://host/image.iso")
	require.Error(t, err)
}

// TestAcquire_BadReference rejects references with no usable final segment.
func TestAcquire_BadReference(t *testing.T) {
	t.Parallel()

	_, err := Acquire(context.Background(), newTestTracker(), &fakeFetcher{}, "https://host/")
	require.Error(t, err)
}
