// Package fetch resolves remote image references to local files. Plain
// http/https transfers run in-process on a retrying HTTP client; every other
// recognized scheme, and any transfer scoped to a routing domain (VRF), is
// delegated to curl so the kernel applies the right routing table.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strings"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/chaya2z/vyatta-cfg-system/internal/logger"
)

// remoteSchemes are the reference prefixes treated as remote. Anything else
// is a local path.
//
//nolint:gochecknoglobals // Fixed scheme table.
var remoteSchemes = map[string]struct{}{
	"http":  {},
	"https": {},
	"ftp":   {},
	"tftp":  {},
	"scp":   {},
	"sftp":  {},
}

var errBadHTTPStatus = errors.New("unexpected http status")

// Credentials is the optional username/password pair passed through to the
// transport. It is scoped to a single Fetch call and never stored.
type Credentials struct {
	Username string
	Password string
}

// Fetcher downloads a single source URL into a destination file.
type Fetcher interface {
	Fetch(ctx context.Context, destination, source string) error
}

// transport is the default Fetcher implementation.
type transport struct {
	creds  Credentials
	vrf    string
	client *retryablehttp.Client
}

// New returns the default transport bound to the provided credentials and
// routing domain.
func New(creds Credentials, vrf string) Fetcher {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.Logger = nil

	return &transport{creds: creds, vrf: vrf, client: client}
}

// Scheme returns the reference's scheme prefix, or "" for a local path.
func Scheme(reference string) string {
	scheme, _, found := strings.Cut(reference, "://")
	if !found {
		return ""
	}

	return strings.ToLower(scheme)
}

// IsRemote reports whether the reference uses a recognized remote scheme.
func IsRemote(reference string) bool {
	_, ok := remoteSchemes[Scheme(reference)]
	return ok
}

// Fetch downloads source into destination, picking the in-process client or
// curl depending on scheme and routing domain.
func (t *transport) Fetch(ctx context.Context, destination, source string) error {
	scheme := Scheme(source)
	if (scheme == "http" || scheme == "https") && t.vrf == "" {
		return t.fetchHTTP(ctx, destination, source)
	}

	return t.fetchCurl(ctx, destination, source)
}

// fetchHTTP streams the response body into the destination file.
func (t *transport) fetchHTTP(ctx context.Context, destination, source string) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	if t.creds.Username != "" {
		req.SetBasicAuth(t.creds.Username, t.creds.Password)
	}

	response, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", source, err)
	}

	defer func() {
		_ = response.Body.Close()
	}()

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("%s, %s: %w", source, response.Status, errBadHTTPStatus)
	}

	outputFile, err := os.Create(destination)
	if err != nil {
		return fmt.Errorf("create %s: %w", destination, err)
	}

	if _, err = io.Copy(outputFile, response.Body); err != nil {
		_ = outputFile.Close()
		return fmt.Errorf("write %s: %w", destination, err)
	}

	if err = outputFile.Close(); err != nil {
		return fmt.Errorf("close %s: %w", destination, err)
	}

	logger.InfoKV(ctx, "Downloaded file", "path", destination)

	return nil
}

// fetchCurl delegates the transfer to curl, wrapped in `ip vrf exec` when a
// routing domain is configured. A non-zero exit is the sole error signal.
func (t *transport) fetchCurl(ctx context.Context, destination, source string) error {
	args := []string{"curl", "-f", "-s", "-S", "-o", destination}
	if t.creds.Username != "" {
		args = append(args, "-u", t.creds.Username+":"+t.creds.Password)
	}

	args = append(args, source)

	if t.vrf != "" {
		args = append([]string{"ip", "vrf", "exec", t.vrf}, args...)
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("fetch %s: %w: %s", source, err, strings.TrimSpace(string(output)))
	}

	logger.InfoKV(ctx, "Downloaded file", "path", destination)

	return nil
}
