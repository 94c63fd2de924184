// Package installer orchestrates a full system installation: acquiring the
// OS image, verifying its signature and checksums, mounting the image
// containers and dispatching the partition-specific install delegates. A
// single resource tracker guarantees that every mount and temporary path is
// released no matter how the run ends.
package installer
