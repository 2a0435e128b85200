// Package diffimg compares the filesystems of a device with those of its
// image by mounting both read-only and running diff over them.
package diffimg

import (
	"context"
	"errors"
	"strings"

	"github.com/pithecene-io/usedrescue/blockdev"
	"github.com/pithecene-io/usedrescue/fsmeta"
	"github.com/pithecene-io/usedrescue/log"
	"github.com/pithecene-io/usedrescue/proc"
	"github.com/pithecene-io/usedrescue/types"
)

// Pair is a device partition and the image partition at the same place.
type Pair struct {
	Device string `json:"device"`
	Image  string `json:"image"`
	Start  int64  `json:"start"`
	Size   int64  `json:"size"`
}

// Result is the outcome of comparing one pair.
type Result struct {
	Pair
	FSType string `json:"fstype"`
	// Differs is true when diff reported differences.
	Differs bool `json:"differs"`
	// Error describes why the pair could not be compared.
	Error string `json:"error,omitempty"`
}

// Differ runs the comparison.
type Differ struct {
	Devices *blockdev.Manager
	// Scratch is the directory receiving temporary mount points.
	Scratch string
	Logger  *log.Logger
	// Interactive shows diff output on the terminal.
	Interactive bool
}

// Diff compares every filesystem found on both device and image.
// Failures to mount a pair are logged and recorded in its Result.
func (d *Differ) Diff(ctx context.Context, device, image string) ([]Result, error) {
	if err := d.Devices.RereadPT(ctx, device); err != nil {
		return nil, err
	}
	devParts, err := d.Devices.Partitions(device)
	if err != nil {
		return nil, err
	}

	var results []Result
	err = d.Devices.WithLoop(ctx, image, blockdev.ReadOnly, nil, func(l *blockdev.Loop) error {
		imgParts, err := d.Devices.Partitions(l.Path)
		if err != nil {
			return err
		}
		for _, p := range d.Common(devParts, imgParts) {
			fstype, err := fsmeta.BlkidType(ctx, d.Devices.Runner(), p.Device)
			if err != nil {
				return err
			}
			if fstype == "" {
				continue
			}
			res := Result{Pair: p, FSType: fstype}
			res.Differs, err = d.diffPair(ctx, p)
			if err != nil {
				if errors.Is(err, types.ErrInterrupted) {
					return err
				}
				d.Logger.Error("diff failed", map[string]any{
					"device": p.Device,
					"image":  p.Image,
					"error":  err.Error(),
				})
				res.Error = err.Error()
			}
			results = append(results, res)
		}
		return nil
	})
	return results, err
}

func (d *Differ) diffPair(ctx context.Context, p Pair) (differs bool, err error) {
	err = d.Devices.WithMount(ctx, p.Device, d.Scratch, blockdev.ReadOnly, func(devMnt string) error {
		return d.Devices.WithMount(ctx, p.Image, d.Scratch, blockdev.ReadOnly, func(imgMnt string) error {
			d.Logger.Info("diffing", map[string]any{
				"device": p.Device,
				"image":  p.Image,
				"start":  p.Start,
				"size":   p.Size,
			})
			c := proc.Command("diff", "-rqN", devMnt, imgMnt)
			c.Interactive = d.Interactive
			res, err := d.Devices.Runner().Run(ctx, c)
			// diff exits 1 when the trees differ.
			if res != nil && res.ExitCode == 1 {
				differs = true
				return nil
			}
			return err
		})
	})
	return differs, err
}

// Common pairs partitions with equal start and size. A pair whose
// partition numbers disagree is kept with a warning.
func (d *Differ) Common(devParts, imgParts []blockdev.Partition) []Pair {
	if len(devParts) == 0 || len(imgParts) == 0 {
		d.Logger.Error("no partitions found", map[string]any{
			"device_parts": len(devParts),
			"image_parts":  len(imgParts),
		})
		return nil
	}
	var pairs []Pair
	for _, dp := range devParts {
		for _, ip := range imgParts {
			if dp.Start != ip.Start || dp.Size != ip.Size {
				continue
			}
			pairs = append(pairs, Pair{Device: dp.Path, Image: ip.Path, Start: dp.Start, Size: dp.Size})
			if partNumber(dp.Path) != partNumber(ip.Path) {
				d.Logger.Warn("partition numbers don't agree", map[string]any{"device": dp.Path, "image": ip.Path})
			}
			break
		}
	}
	return pairs
}

// partNumber returns the trailing digits of a partition path.
func partNumber(path string) string {
	i := len(path)
	for i > 0 && path[i-1] >= '0' && path[i-1] <= '9' {
		i--
	}
	return strings.TrimLeft(path[i:], "0")
}
