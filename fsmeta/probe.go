package fsmeta

import (
	"context"
	"errors"
	"strings"

	"github.com/pithecene-io/usedrescue/proc"
	"github.com/pithecene-io/usedrescue/types"
)

// blkidNotFound is blkid's exit status when the device has no
// recognizable signature.
const blkidNotFound = 2

// BlkidType returns the filesystem type blkid detects on dev, or "" when
// it finds none.
func BlkidType(ctx context.Context, run proc.Runner, dev string) (string, error) {
	res, err := proc.Run(ctx, run, "blkid", "-o", "value", "-s", "TYPE", dev)
	if err != nil {
		if errors.Is(err, types.ErrExternalTool) && res != nil && res.ExitCode == blkidNotFound {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(string(res.Stdout)), nil
}

// PartInfo records what the clone stage did for one device partition.
type PartInfo struct {
	Path   string `json:"path"`
	Start  int64  `json:"start"`
	Size   int64  `json:"size"`
	FSType string `json:"fs_type"`
	// MetaCloned is set when the metadata reached the image.
	MetaCloned bool `json:"meta_cloned"`
	// DataCloned is set when data reached the image as well.
	DataCloned bool `json:"data_cloned"`
	// Attempted is set when a clone was tried, successful or not.
	Attempted bool `json:"attempted"`
}

// Find returns the partition info covering exactly start and size.
func Find(infos []PartInfo, start, size int64) (PartInfo, bool) {
	for _, pi := range infos {
		if pi.Start == start && pi.Size == size {
			return pi, true
		}
	}
	return PartInfo{}, false
}

// CheckType fails with ErrInconsistentState when a partition's probed
// type contradicts the type recorded for it earlier.
func CheckType(pi PartInfo, probed string) error {
	if pi.FSType == "" || probed == "" || pi.FSType == probed {
		return nil
	}
	return types.Inconsistentf("fstype", "partition %s at sector %d: %q and %q", pi.Path, pi.Start, pi.FSType, probed)
}
