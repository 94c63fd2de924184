// Package cleanup owns the process-wide record of mounts and temporary
// filesystem objects created during an installer run and guarantees their
// idempotent, best-effort release on every termination path.
package cleanup
