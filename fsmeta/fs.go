// Package fsmeta knows how to scan, repair and clone the metadata of the
// supported filesystems, and runs those tools partition by partition.
package fsmeta

import (
	"slices"
	"strconv"
	"strings"
)

// Placement tells where source and target go when a clone command is
// completed.
type Placement int

const (
	// SourceFirst appends [source, target].
	SourceFirst Placement = iota
	// TargetFirst appends [target, source].
	TargetFirst
)

// CloneCmd is a clone command prefix with its argument placement.
type CloneCmd struct {
	Args  []string
	Order Placement
}

func (c *CloneCmd) build(source, target string) []string {
	if c == nil {
		return nil
	}
	argv := slices.Clone(c.Args)
	if c.Order == SourceFirst {
		return append(argv, source, target)
	}
	return append(argv, target, source)
}

// Filesystem describes the tools for one filesystem type.
type Filesystem struct {
	Name string
	// PTType is the parted fs-type; "$" is replaced by Name.
	PTType string
	// Mkfs is the mkfs command; "#" is replaced by the partition start
	// sector and "$" by Name. The device is appended.
	Mkfs string
	// Scan reads every metadata block read-only. Used when the first
	// clone stage cannot stream to /dev/null.
	Scan []string
	// Fix checks and repairs metadata.
	Fix []string
	// CloneMeta1 and CloneMeta2 clone metadata in one or two stages;
	// with two stages the first target is a file fed to the second.
	CloneMeta1 *CloneCmd
	CloneMeta2 *CloneCmd
	// CloneData clones metadata and data.
	CloneData *CloneCmd
}

func extFS(name string) Filesystem {
	return Filesystem{
		Name:       name,
		PTType:     "$",
		Mkfs:       "mke2fs -L $ -t $",
		Fix:        []string{"e2fsck", "-f", "-p"},
		CloneMeta1: &CloneCmd{Args: []string{"e2image", "-rp"}, Order: SourceFirst},
		CloneData:  &CloneCmd{Args: []string{"e2image", "-carp"}, Order: SourceFirst},
	}
}

var filesystems = map[string]Filesystem{
	"vfat": {
		Name:   "vfat",
		PTType: "fat32",
		Mkfs:   "mkfs.fat -n VFAT",
		Scan:   []string{"fsck.fat", "-n"},
		Fix:    []string{"fsck.fat", "-a"},
	},
	"ext2": extFS("ext2"),
	"ext3": extFS("ext3"),
	"ext4": extFS("ext4"),
	"hfsplus": {
		Name:   "hfsplus",
		PTType: "hfs",
		Mkfs:   "mkfs.hfsplus -v hfsplus",
		Scan:   []string{"fsck.hfsplus", "-f", "-n"},
		Fix:    []string{"fsck.hfsplus", "-f", "-p"},
	},
	"ntfs": {
		Name:       "ntfs",
		PTType:     "NTFS",
		Mkfs:       "mkntfs -L NTFS -s 512 -p # -H 255 -S 63",
		Fix:        []string{"ntfsfix", "-n"},
		CloneMeta1: &CloneCmd{Args: []string{"ntfsclone", "--rescue", "-mstfO"}, Order: TargetFirst},
		CloneMeta2: &CloneCmd{Args: []string{"ntfsclone", "--rescue", "-rO"}, Order: TargetFirst},
		CloneData:  &CloneCmd{Args: []string{"ntfsclone", "--rescue", "-fO"}, Order: TargetFirst},
	},
	"xfs": {
		Name:       "xfs",
		PTType:     "xfs",
		Mkfs:       "mkfs.xfs -f -L xfs",
		Fix:        []string{"xfs_repair", "-n"},
		CloneMeta1: &CloneCmd{Args: []string{"xfs_metadump", "-owg"}, Order: SourceFirst},
		CloneMeta2: &CloneCmd{Args: []string{"xfs_mdrestore", "-g"}, Order: SourceFirst},
		CloneData:  &CloneCmd{Args: []string{"xfs_copy", "-d"}, Order: SourceFirst},
	},
	"btrfs": {
		Name:       "btrfs",
		PTType:     "btrfs",
		Mkfs:       "mkfs.btrfs -f -d single -m single -L btrfs",
		Fix:        []string{"btrfs", "check"},
		CloneMeta1: &CloneCmd{Args: []string{"btrfs-image", "-t4", "-w"}, Order: SourceFirst},
		CloneMeta2: &CloneCmd{Args: []string{"btrfs-image", "-t4", "-r"}, Order: SourceFirst},
	},
}

// IDToFSType maps MBR type identifiers to a filesystem when blkid finds
// nothing.
var IDToFSType = map[int]string{
	0x01: "vfat",
	0x04: "vfat",
	0x06: "vfat",
	0x07: "ntfs",
	0x0B: "vfat",
	0x0C: "vfat",
	0x0E: "vfat",
	0xAF: "hfsplus",
}

// Lookup returns the filesystem named name.
func Lookup(name string) (Filesystem, bool) {
	fs, ok := filesystems[name]
	return fs, ok
}

// Supported lists the supported filesystem names, sorted.
func Supported() []string {
	names := make([]string, 0, len(filesystems))
	for n := range filesystems {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// PartedType returns the parted fs-type.
func (f Filesystem) PartedType() string {
	return strings.ReplaceAll(f.PTType, "$", f.Name)
}

// MkfsCmd returns the mkfs command line for device starting at start.
func (f Filesystem) MkfsCmd(device string, start int64) []string {
	cmd := strings.ReplaceAll(f.Mkfs, "#", strconv.FormatInt(start, 10))
	cmd = strings.ReplaceAll(cmd, "$", f.Name)
	return append(strings.Fields(cmd), device)
}

// ScanCmd returns the read-only metadata scan for dev: the first clone
// stage into /dev/null when there is one, else Scan. nil when the
// filesystem has neither.
func (f Filesystem) ScanCmd(dev string) []string {
	if f.CloneMeta1 != nil {
		return f.CloneMeta1.build(dev, "/dev/null")
	}
	if f.Scan == nil {
		return nil
	}
	return append(slices.Clone(f.Scan), dev)
}

// FixCmd returns the metadata check and repair command for dev.
func (f Filesystem) FixCmd(dev string) []string {
	if f.Fix == nil {
		return nil
	}
	return append(slices.Clone(f.Fix), dev)
}

// CloneMeta1Cmd returns the first metadata clone stage, or nil.
func (f Filesystem) CloneMeta1Cmd(source, target string) []string {
	return f.CloneMeta1.build(source, target)
}

// CloneMeta2Cmd returns the second metadata clone stage, or nil.
func (f Filesystem) CloneMeta2Cmd(source, target string) []string {
	return f.CloneMeta2.build(source, target)
}

// CloneDataCmd returns the full clone command, or nil.
func (f Filesystem) CloneDataCmd(source, target string) []string {
	return f.CloneData.build(source, target)
}
