// Package rescuelog manages the on-disk rescue logs of a recovery run.
//
// Three logs live next to the image in the destination directory:
//
//   - <image>.xfer.log: the log ddrescue reads and updates while imaging.
//   - <image>.btrace.log: metadata-phase extents traced from device activity.
//   - <image>.used.log: data-phase extents mapped from filesystem occupancy.
//
// The btrace and used logs are produced by this tool and handed to ddrescue
// by copying or moving them onto the xfer log. Their header marker
// identifies the phase, which is how an interrupted run is resumed.
package rescuelog

import (
	"io"
	"path/filepath"

	"github.com/pithecene-io/usedrescue/extent"
	"github.com/pithecene-io/usedrescue/iox"
)

// Log file suffixes appended to the image filename.
const (
	XferSuffix   = ".xfer.log"
	BtraceSuffix = ".btrace.log"
	UsedSuffix   = ".used.log"
)

// Phase markers written into the second header line.
const (
	MetaMagic = "MetaRescue"
	DataMagic = "DataRescue"
)

// Paths locates the logs of one run.
type Paths struct {
	Image  string
	Xfer   string
	Btrace string
	Used   string
}

// PathsFor returns the log paths for image inside dest.
func PathsFor(dest, image string) Paths {
	img := filepath.Join(dest, image)
	return Paths{
		Image:  img,
		Xfer:   img + XferSuffix,
		Btrace: img + BtraceSuffix,
		Used:   img + UsedSuffix,
	}
}

// Spec describes how an extent set is rendered into a rescue log.
type Spec struct {
	Magic    string
	Args     []string
	Fill     extent.Status
	Extent   extent.Status
	DevStart int64
	DevEnd   int64
}

// MetaSpec is the metadata-phase rendering: traced extents still to be
// copied, everything else marked finished so ddrescue skips it.
func MetaSpec(args []string, devSectors int64) Spec {
	return Spec{
		Magic:  MetaMagic,
		Args:   args,
		Fill:   extent.Finished,
		Extent: extent.NonTried,
		DevEnd: devSectors,
	}
}

// DataSpec is the data-phase rendering: used extents still to be copied,
// free space marked bad so ddrescue never reads it.
func DataSpec(args []string, devSectors int64) Spec {
	return Spec{
		Magic:  DataMagic,
		Args:   args,
		Fill:   extent.BadSector,
		Extent: extent.NonTried,
		DevEnd: devSectors,
	}
}

// Write rewrites path with the rendering of set. The file is replaced
// atomically so a concurrent viewer never sees a truncated log.
func Write(path string, set *extent.Set, spec Spec) error {
	return iox.WriteFileAtomic(path, func(w io.Writer) error {
		return set.WriteRescueLog(w, extent.Header{Magic: spec.Magic, Args: spec.Args},
			spec.Fill, spec.Extent, spec.DevStart, spec.DevEnd)
	})
}

// Handoff places src onto the xfer log, copying when keep is set and
// moving otherwise.
func Handoff(src, xfer string, keep bool) error {
	return iox.CopyOrMove(src, xfer, keep)
}
