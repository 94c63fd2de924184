// Package config defines the run configuration for the installer: operator
// flags (image reference, credentials, routing domain) merged with the
// optional YAML settings file that carries trusted signing keys, mount
// locations and the external delegate commands.
//
// Validation enforces the credential invariant (username and password are
// both present or both absent) before any side effect of a run.
package config
