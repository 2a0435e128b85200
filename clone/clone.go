// Package clone creates the sparse image and transfers filesystems whose
// own imaging tools can copy them faster than a sector-level rescue.
package clone

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/google/uuid"

	"github.com/pithecene-io/usedrescue/blockdev"
	"github.com/pithecene-io/usedrescue/extent"
	"github.com/pithecene-io/usedrescue/fsmeta"
	"github.com/pithecene-io/usedrescue/iox"
	"github.com/pithecene-io/usedrescue/log"
	"github.com/pithecene-io/usedrescue/proc"
	"github.com/pithecene-io/usedrescue/types"
)

// Cloneable lists the filesystems with a clone tool.
var Cloneable = []string{"btrfs", "ext2", "ext3", "ext4", "ntfs", "xfs"}

// IsCloneable reports whether fstype has a clone tool.
func IsCloneable(fstype string) bool {
	return slices.Contains(Cloneable, fstype)
}

// CreateImage makes image a sparse file of devSectors sectors. An image
// of the right size is kept; an empty one is replaced.
func CreateImage(ctx context.Context, run proc.Runner, image string, devSectors int64) error {
	want := devSectors * extent.SectorSize
	if fi, err := os.Stat(image); err == nil {
		switch fi.Size() {
		case want:
			return nil
		case 0:
			if err := os.Remove(image); err != nil {
				return fmt.Errorf("remove empty image: %w", err)
			}
		default:
			return types.Validationf("image", "%s is %d bytes, want %d", image, fi.Size(), want)
		}
	}
	_, err := proc.Run(ctx, run, "truncate", "-s", strconv.FormatInt(want, 10), image)
	return err
}

// Cloner clones the partitions of a device into an image.
type Cloner struct {
	Devices *blockdev.Manager
	// Scratch holds temporary two-stage clone files.
	Scratch string
	Logger  *log.Logger
	// Interactive connects the clone tools to the terminal.
	Interactive bool
}

// CloneMeta creates the image and clones every cloneable partition of
// device into it. It returns what happened to each partition; a failed
// clone is recorded, not returned as an error.
func (c *Cloner) CloneMeta(ctx context.Context, device, image string, devSectors int64) ([]fsmeta.PartInfo, error) {
	run := c.Devices.Runner()
	if err := c.Devices.RereadPT(ctx, device); err != nil {
		return nil, err
	}
	parts, err := c.Devices.Partitions(device)
	if err != nil {
		return nil, err
	}
	if err := CreateImage(ctx, run, image, devSectors); err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		c.Logger.Error("no disk partitions found", map[string]any{"device": device})
		return nil, nil
	}

	infos := make([]fsmeta.PartInfo, 0, len(parts))
	for _, p := range parts {
		fstype, err := fsmeta.BlkidType(ctx, run, p.Path)
		if err != nil {
			return infos, err
		}
		pi := fsmeta.PartInfo{Path: p.Path, Start: p.Start, Size: p.Size, FSType: fstype}
		if IsCloneable(fstype) {
			c.Logger.Info("cloning partition", map[string]any{
				"path":  p.Path,
				"start": p.Start,
				"size":  p.Size,
				"type":  fstype,
			})
			pi.Attempted = true
			ok, err := c.clonePartition(ctx, image, p, fstype)
			if err != nil {
				return infos, err
			}
			if ok {
				pi.MetaCloned = true
				pi.DataCloned = fstype != "btrfs"
			} else {
				c.Logger.Warn("clone failed", map[string]any{"path": p.Path, "type": fstype})
			}
		}
		infos = append(infos, pi)
	}
	return infos, nil
}

// clonePartition returns ok=false when the clone tool failed. Errors are
// reserved for failures around the tool, such as loop attachment.
func (c *Cloner) clonePartition(ctx context.Context, image string, p blockdev.Partition, fstype string) (ok bool, err error) {
	fsys, _ := fsmeta.Lookup(fstype)
	region := &blockdev.Region{Start: p.Start, Size: p.Size}

	if fstype == "btrfs" {
		return c.cloneTwoStage(ctx, image, p, fsys, region)
	}
	err = c.Devices.WithLoop(ctx, image, blockdev.ReadWrite, region, func(l *blockdev.Loop) error {
		var cmd []string
		if fstype == "ext2" || fstype == "ext3" || fstype == "ext4" {
			// e2image -arp copies the whole filesystem into a block device.
			cmd = []string{"e2image", "-arp", p.Path, l.Path}
		} else {
			cmd = fsys.CloneDataCmd(p.Path, l.Path)
		}
		ok, err = c.runTool(ctx, cmd)
		return err
	})
	return ok, err
}

// cloneTwoStage dumps metadata to a scratch file, then restores it into
// the image region.
func (c *Cloner) cloneTwoStage(ctx context.Context, image string, p blockdev.Partition, fsys fsmeta.Filesystem, region *blockdev.Region) (ok bool, err error) {
	dump := filepath.Join(c.Scratch, fsys.Name+"."+uuid.NewString()[:8])
	defer func() { _ = iox.RemoveIfExists(dump) }()

	if ok, err = c.runTool(ctx, fsys.CloneMeta1Cmd(p.Path, dump)); !ok {
		return false, err
	}
	err = c.Devices.WithLoop(ctx, image, blockdev.ReadWrite, region, func(l *blockdev.Loop) error {
		var rerr error
		if ok, rerr = c.runTool(ctx, fsys.CloneMeta2Cmd(dump, l.Path)); rerr != nil {
			return rerr
		}
		if err := c.Devices.FlushBuffers(ctx, l.Path); err != nil {
			c.Logger.Debug("flush after restore failed", map[string]any{"loop": l.Path, "error": err.Error()})
		}
		return nil
	})
	return ok, err
}

// runTool reports a tool failure as ok=false. Only interruption is an
// error.
func (c *Cloner) runTool(ctx context.Context, argv []string) (bool, error) {
	_, err := c.Devices.Runner().Run(ctx, proc.Cmd{Argv: argv, Interactive: c.Interactive})
	if err == nil {
		return true, nil
	}
	if errors.Is(err, types.ErrInterrupted) {
		return false, err
	}
	c.Logger.Error("problem during command", map[string]any{"argv": argv, "error": err.Error()})
	return false, nil
}
