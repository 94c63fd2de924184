package installer

import (
	"fmt"
	"os"
	"strings"
)

// detectLiveBoot reports whether the system was booted from installation
// media by looking for the live medium mountpoint in the mount table.
func detectLiveBoot(mountTablePath, liveMediumRoot string) (bool, error) {
	contents, err := os.ReadFile(mountTablePath)
	if err != nil {
		return false, fmt.Errorf("read mount table %q: %w", mountTablePath, err)
	}

	for _, line := range strings.Split(string(contents), "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[1] == liveMediumRoot {
			return true, nil
		}
	}

	return false, nil
}
