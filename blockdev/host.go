package blockdev

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/pithecene-io/usedrescue/extent"
	"github.com/pithecene-io/usedrescue/types"
)

// FreeSectors returns the sectors available to an unprivileged writer in
// the filesystem holding dir.
func FreeSectors(dir string) (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", dir, err)
	}
	return int64(st.Bavail) * int64(st.Bsize) / extent.SectorSize, nil
}

// RequireRoot fails unless the process runs with effective uid 0.
func RequireRoot() error {
	if uid := unix.Geteuid(); uid != 0 {
		return types.Validationf("usedrescue", "must run as root (euid %d)", uid)
	}
	return nil
}
