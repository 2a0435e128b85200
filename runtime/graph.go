package runtime

import (
	"github.com/pithecene-io/usedrescue/ptable"
	"github.com/pithecene-io/usedrescue/rescuelog"
	sm "github.com/pithecene-io/usedrescue/statemachine"
)

// State names of the recovery graph.
const (
	StateMetaClone         = "MetaClone"
	StateStartBtrace       = "StartBtrace"
	StateAddStartEnd       = "AddStartEnd"
	StatePTRead            = "PTRead"
	StatePTAskUser         = "PTAskUser"
	StatePTManual          = "PTManual"
	StatePTReadTDLog       = "PTReadTDLog"
	StatePTManualRpt       = "PTManualRpt"
	StateFindMeta          = "FindMeta"
	StateBtraceWait        = "BtraceWait"
	StateCloseBtrace       = "CloseBtrace"
	StateOutputBtraceStats = "OutputBtraceStats"
	StateMetaRescue        = "MetaRescue"
	StatePTResume          = "PTResume"
	StatePTRepair          = "PTRepair"
	StateFixImgRW          = "FixImgRW"
	StateMapExtents        = "MapExtents"
	StateDataRescue        = "DataRescue"
	StateDiffFS            = "DiffFS"
)

// Descriptions are the operator-facing labels of each state.
var Descriptions = map[string]string{
	StateMetaClone:         "Transfer Clonable Metadata",
	StateStartBtrace:       "Btrace",
	StateAddStartEnd:       "Mark Start & End 1Mi Used",
	StatePTRead:            "Auto TestDisk",
	StatePTAskUser:         "Manual TestDisk?",
	StatePTManual:          "Manual TestDisk",
	StatePTReadTDLog:       "Read TestDisk Log",
	StatePTManualRpt:       "Repeat Manual TestDisk",
	StateFindMeta:          "Find FS Metadata RO",
	StateBtraceWait:        "Wait for trace to settle",
	StateCloseBtrace:       "Stop Btrace",
	StateOutputBtraceStats: "Btrace Stats",
	StateMetaRescue:        "DDrescue PT & FSs",
	StatePTResume:          "Read PT after Resume",
	StatePTRepair:          "Testdisk Repair Image PT",
	StateFixImgRW:          "Repair Image Using FSCK",
	StateMapExtents:        "Clone and/or Find Used Space",
	StateDataRescue:        "DDrescue Used Space",
	StateDiffFS:            "Diff Corresponding Device and Image FSs",
}

// settlePolls is how many trace polls pass before the trace is considered
// settled after starting or after the last scan.
const settlePolls = 3

type graphBuilder struct {
	g   *sm.Graph[*Recovery]
	err error
}

func (b *graphBuilder) state(name string, entry func(*Recovery) error) {
	if b.err == nil {
		b.err = b.g.AddState(name, entry)
	}
}

func (b *graphBuilder) edge(from, dest string, guard func(*Recovery) bool, action func(*Recovery) error) {
	if b.err == nil {
		b.err = b.g.AddTransition(from, sm.Transition[*Recovery]{Guard: guard, Action: action, Dest: dest})
	}
}

func always(*Recovery) bool { return true }

// BuildGraph wires the recovery pipeline. Transitions of one state are
// registered in the order they are tried.
func BuildGraph() (*sm.Graph[*Recovery], error) {
	b := &graphBuilder{g: sm.NewGraph[*Recovery]()}

	b.state(StateMetaClone, (*Recovery).cloneMeta)
	b.state(StateStartBtrace, (*Recovery).startTrace)
	b.state(StateAddStartEnd, (*Recovery).markStartEnd)
	b.state(StatePTRead, func(r *Recovery) error { return r.readTable(r.cfg.Device) })
	b.state(StatePTAskUser, func(r *Recovery) error {
		var err error
		r.manual, err = r.operator.AskManual(r.ctx, r.table.Reasons())
		return err
	})
	b.state(StatePTManual, func(r *Recovery) error { return r.startManual(r.cfg.Device) })
	b.state(StatePTReadTDLog, (*Recovery).readManualLog)
	b.state(StatePTManualRpt, func(r *Recovery) error {
		var err error
		r.repeat, err = r.operator.AskManual(r.ctx, r.table.Reasons())
		return err
	})
	b.state(StateFindMeta, (*Recovery).findMeta)
	b.state(StateBtraceWait, func(r *Recovery) error {
		r.polls = 0
		return nil
	})
	b.state(StateCloseBtrace, (*Recovery).stopTrace)
	b.state(StateOutputBtraceStats, (*Recovery).outputTraceStats)
	b.state(StateMetaRescue, (*Recovery).rescue)
	b.state(StatePTResume, func(r *Recovery) error { return r.readTable(r.cfg.Device) })
	b.state(StatePTRepair, func(r *Recovery) error { return r.startManual(r.paths.Image) })
	b.state(StateFixImgRW, (*Recovery).fixImage)
	b.state(StateMapExtents, (*Recovery).mapExtents)
	b.state(StateDataRescue, (*Recovery).rescue)
	b.state(StateDiffFS, (*Recovery).diff)

	settled := func(r *Recovery) bool { return r.polls >= settlePolls }
	unhealthy := func(r *Recovery) bool { return !r.table.Healthy() }
	healthy := func(r *Recovery) bool { return r.table.Healthy() }
	backup := func(tag ptable.Tag) func(*Recovery) error {
		return func(r *Recovery) error { return r.backup(tag) }
	}

	b.edge(StateMetaClone, StateStartBtrace, always, nil)
	b.edge(StateStartBtrace, StateAddStartEnd, settled, nil)
	b.edge(StateAddStartEnd, StatePTRead, always, nil)

	b.edge(StatePTRead, StatePTAskUser, unhealthy, backup(ptable.TagAutoBad))
	b.edge(StatePTRead, StateFindMeta, healthy, backup(ptable.TagAutoGood))
	b.edge(StatePTAskUser, StatePTManual, func(r *Recovery) bool { return r.manual },
		func(r *Recovery) error { return r.operator.Instruct(r.ctx) })
	b.edge(StatePTAskUser, StateFindMeta, func(r *Recovery) bool { return !r.manual }, nil)
	// A failed session leaves no log worth reading; offer a repeat.
	b.edge(StatePTManual, StatePTManualRpt, (*Recovery).jobFailedDone, (*Recovery).manualFailed)
	b.edge(StatePTManual, StatePTReadTDLog, (*Recovery).jobDone, nil)
	b.edge(StatePTReadTDLog, StatePTManualRpt, unhealthy, nil)
	b.edge(StatePTReadTDLog, StateFindMeta, healthy, backup(ptable.TagRepaired))
	b.edge(StatePTManualRpt, StatePTManual, func(r *Recovery) bool { return r.repeat }, (*Recovery).retryManual)
	b.edge(StatePTManualRpt, StateFindMeta, func(r *Recovery) bool { return !r.repeat }, backup(ptable.TagRepairFail))

	b.edge(StateFindMeta, StateBtraceWait, (*Recovery).jobDone, nil)
	b.edge(StateBtraceWait, StateCloseBtrace, settled, nil)
	b.edge(StateCloseBtrace, StateOutputBtraceStats,
		func(r *Recovery) bool { return r.cfg.Stats && r.traceExited() }, (*Recovery).finishTrace)
	b.edge(StateCloseBtrace, StateMetaRescue,
		func(r *Recovery) bool { return !r.cfg.Stats && r.traceExited() }, (*Recovery).finishTrace)
	b.edge(StateOutputBtraceStats, StateMetaRescue, always, nil)

	b.edge(StateMetaRescue, "", (*Recovery).jobFailedDone,
		func(r *Recovery) error { return r.toolFailed("ddrescue") })
	b.edge(StateMetaRescue, StateFixImgRW,
		func(r *Recovery) bool { return !r.manual && !r.resumed && r.jobDone() }, nil)
	b.edge(StateMetaRescue, StatePTResume,
		func(r *Recovery) bool { return !r.manual && r.resumed && r.jobDone() }, nil)
	b.edge(StatePTResume, StateFixImgRW, always, nil)
	b.edge(StateMetaRescue, StatePTRepair,
		func(r *Recovery) bool { return r.manual && r.jobDone() },
		func(r *Recovery) error { return r.operator.RepairInstruct(r.ctx) })
	// Without a successful repair the table read from the device stands.
	b.edge(StatePTRepair, StateFixImgRW, (*Recovery).jobFailedDone, (*Recovery).manualFailed)
	b.edge(StatePTRepair, StateFixImgRW, (*Recovery).jobDone,
		func(r *Recovery) error { return r.readTable(r.paths.Image) })

	b.edge(StateFixImgRW, StateMapExtents, (*Recovery).jobDone, nil)
	b.edge(StateMapExtents, StateDataRescue, always, nil)
	b.edge(StateDataRescue, "", (*Recovery).jobFailedDone,
		func(r *Recovery) error { return r.toolFailed("ddrescue") })
	b.edge(StateDataRescue, StateDiffFS, func(r *Recovery) bool { return r.cfg.Diff && r.jobDone() }, nil)
	b.edge(StateDataRescue, "", func(r *Recovery) bool { return !r.cfg.Diff && r.jobDone() }, nil)
	b.edge(StateDiffFS, "", always, nil)

	if b.err == nil {
		b.err = b.g.SetStart(StateMetaClone)
	}
	if b.err == nil {
		b.err = b.g.Validate()
	}
	if b.err != nil {
		return nil, b.err
	}
	return b.g, nil
}

// StartState maps a resume stage to the state a run begins in.
func StartState(stage rescuelog.Stage) string {
	switch stage {
	case rescuelog.StageData:
		return StateDataRescue
	case rescuelog.StageMeta:
		return StateMetaRescue
	default:
		return StateMetaClone
	}
}
