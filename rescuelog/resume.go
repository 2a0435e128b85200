package rescuelog

import (
	"bufio"
	"os"
	"strings"

	"github.com/pithecene-io/usedrescue/iox"
	"github.com/pithecene-io/usedrescue/types"
)

// Stage is the pipeline phase a run resumes into.
type Stage int

const (
	// StageNone means start from scratch.
	StageNone Stage = iota
	// StageMeta means resume at the metadata imaging pass.
	StageMeta
	// StageData means resume at the used-space imaging pass.
	StageData
)

func (s Stage) String() string {
	switch s {
	case StageMeta:
		return "meta"
	case StageData:
		return "data"
	default:
		return "none"
	}
}

// headerLines is how far into a log the marker is searched for.
const headerLines = 5

// Detect decides where an interrupted run continues. A non-empty xfer log
// means ddrescue already started; the phase log carrying both the tool
// marker and its phase magic decides which pass. The data phase wins when
// both are present.
func Detect(p Paths) (Stage, error) {
	if !iox.NonEmpty(p.Xfer) {
		return StageNone, nil
	}
	if HasMarker(p.Used, DataMagic) {
		return StageData, nil
	}
	if HasMarker(p.Btrace, MetaMagic) {
		return StageMeta, nil
	}
	return StageNone, types.NewRecoveryError(types.ErrNotResumable, "resume",
		nil)
}

// HasMarker reports whether the header of path names this tool and magic.
func HasMarker(path, magic string) bool {
	if !iox.NonEmpty(path) {
		return false
	}
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer iox.DiscardClose(f)

	var tool, phase bool
	sc := bufio.NewScanner(f)
	for i := 0; i < headerLines && sc.Scan(); i++ {
		line := sc.Text()
		if !strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		for _, f := range fields {
			switch f {
			case types.ToolName:
				tool = true
			case magic:
				phase = true
			}
		}
	}
	return tool && phase
}
