// Package getused builds the data-phase extent set: the sectors holding
// files, found either by walking every file (used method) or by filling
// each filesystem's free space with one file and taking the complement
// (free method).
package getused

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/pithecene-io/usedrescue/blockdev"
	"github.com/pithecene-io/usedrescue/clone"
	"github.com/pithecene-io/usedrescue/extent"
	"github.com/pithecene-io/usedrescue/fsmeta"
	"github.com/pithecene-io/usedrescue/iox"
	"github.com/pithecene-io/usedrescue/log"
	"github.com/pithecene-io/usedrescue/proc"
	"github.com/pithecene-io/usedrescue/types"
)

// Method selects how used space is found.
type Method int

const (
	// Auto walks files on ext2, ext3 and ntfs and maps free space
	// elsewhere.
	Auto Method = iota
	// Used walks every file.
	Used
	// Free fills free space on a copy of the image.
	Free
)

func (m Method) String() string {
	switch m {
	case Used:
		return "used"
	case Free:
		return "free"
	default:
		return "auto"
	}
}

// ParseMethod parses "auto", "used" or "free".
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(s) {
	case "", "auto":
		return Auto, nil
	case "used":
		return Used, nil
	case "free":
		return Free, nil
	}
	return Auto, types.Validationf("method", "unknown used-space method %q", s)
}

// walkedTypes are mapped by walking files under Auto.
var walkedTypes = []string{"ext2", "ext3", "ntfs"}

func (m Method) walks(fstype string) bool {
	switch m {
	case Used:
		return true
	case Free:
		return false
	}
	for _, t := range walkedTypes {
		if t == fstype {
			return true
		}
	}
	return false
}

// minFree is the smallest free area, in sectors, worth mapping.
const minFree = 1024

// Mapper adds used extents to Set.
type Mapper struct {
	Devices *blockdev.Manager
	Set     *extent.Set
	// Dest is the destination directory. It receives the image copy and
	// mount points, and its free space bounds the fill technique.
	Dest   string
	Logger *log.Logger
}

// Map maps the filesystems inside source. With the free method a sparse
// copy of source is written in Dest and mapped instead, so the image
// itself is never modified. A source that is a device is only ever read.
func (m *Mapper) Map(ctx context.Context, source string, method Method, fromDevice bool, infos []fsmeta.PartInfo) error {
	if method == Used {
		return m.mapSource(ctx, source, blockdev.ReadOnly, method, infos)
	}
	if fromDevice {
		return types.Validationf("getused", "the free space method writes to its source and cannot map a device")
	}
	cp := filepath.Join(m.Dest, "img."+uuid.NewString()[:8])
	if _, err := proc.Run(ctx, m.Devices.Runner(), "cp", "--sparse=always", source, cp); err != nil {
		return err
	}
	defer func() { _ = iox.RemoveIfExists(cp) }()
	return m.mapSource(ctx, cp, blockdev.ReadWrite, method, infos)
}

func (m *Mapper) mapSource(ctx context.Context, source string, mode blockdev.Mode, method Method, infos []fsmeta.PartInfo) error {
	return m.Devices.WithLoop(ctx, source, mode, nil, func(l *blockdev.Loop) error {
		parts, err := m.Devices.Partitions(l.Path)
		if err != nil {
			return err
		}
		if len(parts) == 0 {
			m.Logger.Error("no disk partitions found", map[string]any{"source": source})
			return nil
		}
		for _, p := range parts {
			fstype, err := fsmeta.BlkidType(ctx, m.Devices.Runner(), p.Path)
			if err != nil {
				return err
			}
			keep, err := Filter(fstype, p.Start, infos)
			if err != nil {
				return err
			}
			if !keep {
				m.Logger.Info("skipping partition", map[string]any{"path": p.Path, "start": p.Start, "size": p.Size})
				continue
			}
			err = m.Devices.WithMount(ctx, p.Path, m.Dest, mode, func(root string) error {
				m.Logger.Info("mapping partition", map[string]any{
					"source": source,
					"start":  p.Start,
					"size":   p.Size,
					"type":   fstype,
					"method": method.String(),
				})
				if method.walks(fstype) {
					return m.mapFiles(ctx, root, p.Start)
				}
				return m.mapFree(ctx, root, p.Start, p.Size)
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// Filter reports whether a partition needs mapping. Partitions without a
// filesystem are skipped, as are those a clone tool already copied in
// full. A failed btrfs clone leaves nothing mountable on the image.
func Filter(fstype string, start int64, infos []fsmeta.PartInfo) (bool, error) {
	if fstype == "" {
		return false, nil
	}
	if !clone.IsCloneable(fstype) {
		return true, nil
	}
	for _, pi := range infos {
		if pi.Start != start || !pi.Attempted {
			continue
		}
		if err := fsmeta.CheckType(pi, fstype); err != nil {
			return false, err
		}
		if !pi.MetaCloned {
			return fstype != "btrfs", nil
		}
		return !pi.DataCloned, nil
	}
	// Not cloned this run, e.g. after resume.
	return fstype == "btrfs", nil
}

func (m *Mapper) mapFiles(ctx context.Context, root string, offset int64) error {
	var sectors int64
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if err != nil || path == root {
			return nil
		}
		exts, err := Filefrag(ctx, m.Devices.Runner(), path, offset)
		if err != nil {
			m.Logger.Debug("filefrag failed", map[string]any{"path": path, "error": err.Error()})
			return nil
		}
		for _, e := range exts {
			if err := m.Set.AddExtent(e); err != nil {
				return err
			}
		}
		sectors += total(exts)
		return nil
	})
	m.Logger.Info("found used space", map[string]any{"mb": sectors / 2048})
	return err
}

// mapFree allocates the free space of the filesystem at root to one file
// and marks everything between its extents as used. Three techniques are
// tried in turn: hdparm --fallocate, a sparse file with one block at the
// end, and finally writing zeros to every free block.
func (m *Mapper) mapFree(ctx context.Context, root string, start, size int64) error {
	free, err := blockdev.FreeSectors(root)
	if err != nil {
		return err
	}
	if free <= minFree {
		m.Logger.Warn("less than 0.5MB free space", map[string]any{"path": root})
		return nil
	}
	// Some filesystems cannot fill every reported free block.
	free -= 64
	empty := filepath.Join(root, "emptyspace.zeros")
	defer func() { _ = iox.RemoveIfExists(empty) }()

	techniques := []struct {
		name string
		fill func() error
	}{
		{"fallocate", func() error {
			_, err := proc.Run(ctx, m.Devices.Runner(), "hdparm", "--fallocate", fmt.Sprint(free/2), empty)
			return err
		}},
		{"sparse", func() error { return writeSparse(empty, free) }},
		{"fill", func() error {
			destFree, err := blockdev.FreeSectors(m.Dest)
			if err != nil {
				return err
			}
			if free > destFree {
				return fmt.Errorf("need %d free sectors in destination, have %d", free, destFree)
			}
			m.Logger.Warn("filling image free space with zeros to find extents", nil)
			return writeZeros(ctx, empty, free)
		}},
	}
	for _, tech := range techniques {
		if err := tech.fill(); err != nil {
			m.Logger.Debug("free space technique failed", map[string]any{"technique": tech.name, "error": err.Error()})
			_ = iox.RemoveIfExists(empty)
			continue
		}
		found, err := m.foundFree(ctx, empty, start, size)
		_ = iox.RemoveIfExists(empty)
		if err != nil {
			return err
		}
		if found > 0 {
			m.Logger.Info("found free space", map[string]any{"technique": tech.name, "mb": found / 2048})
			return nil
		}
	}
	m.Logger.Warn("could not map free space", map[string]any{"path": root})
	return nil
}

// foundFree marks the gaps between the free file's extents as used and
// returns the free sectors found, or 0 when too little was found to trust.
func (m *Mapper) foundFree(ctx context.Context, path string, start, size int64) (int64, error) {
	exts, err := Filefrag(ctx, m.Devices.Runner(), path, start)
	if err != nil {
		return 0, err
	}
	exts, overlapped := merge(exts)
	if overlapped {
		m.Logger.Warn("filefrag extent overlaps give incorrect size", nil)
	}
	found := total(exts)
	if found <= minFree {
		return 0, nil
	}
	used := start
	var usedTotal int64
	for _, e := range append(exts, extent.Extent{Start: start + size}) {
		if n := e.Start - used; n > 0 {
			if err := m.Set.Add(used, n); err != nil {
				return 0, err
			}
			usedTotal += n
		}
		used = e.Next()
	}
	m.Logger.Info("found used space", map[string]any{"mb": usedTotal / 2048})
	return found, nil
}

const chunk = 1024 * extent.SectorSize

func writeSparse(path string, sectors int64) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer iox.DiscardClose(f)
	if _, err := f.WriteAt(make([]byte, chunk), (sectors-1024)*extent.SectorSize); err != nil {
		return err
	}
	return f.Close()
}

func writeZeros(ctx context.Context, path string, sectors int64) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer iox.DiscardClose(f)
	zeros := make([]byte, chunk)
	for i := int64(0); i < sectors/1024; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := f.Write(zeros); err != nil {
			return err
		}
	}
	return f.Close()
}
