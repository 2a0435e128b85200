// Package metrics provides per-run recovery counters.
//
// The Collector accumulates counters during a single run. It is a leaf
// package with no internal dependencies. Trace statistics are absorbed
// from the trace parser when the trace closes rather than recorded line
// by line.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of all counters.
// Returned by Collector.Snapshot(). Safe to read concurrently after creation.
type Snapshot struct {
	// Run lifecycle
	RunsStarted     int64 `json:"runs_started"`
	RunsCompleted   int64 `json:"runs_completed"`
	RunsFailed      int64 `json:"runs_failed"`
	RunsInterrupted int64 `json:"runs_interrupted"`
	RunsResumed     int64 `json:"runs_resumed"`

	// State machine
	StatesEntered int64 `json:"states_entered"`
	Transitions   int64 `json:"transitions"`

	// External tools
	ProcessesStarted int64 `json:"processes_started"`
	ToolFailures     int64 `json:"tool_failures"`

	// Partition table
	TableReads     int64 `json:"table_reads"`
	ManualSessions int64 `json:"manual_sessions"`
	BackupRecords  int64 `json:"backup_records"`

	// Rescue logs
	TraceLines    int64 `json:"trace_lines"`
	LogFlushes    int64 `json:"log_flushes"`
	MetaSectors   int64 `json:"meta_sectors"`
	MappedSectors int64 `json:"mapped_sectors"`

	// Lode / Storage
	LodeWriteSuccess int64 `json:"lode_write_success"`
	LodeWriteFailure int64 `json:"lode_write_failure"`

	// Dimensions (informational, set at construction)
	Method         string `json:"method"`
	StorageBackend string `json:"storage_backend"`
	RunID          string `json:"run_id"`
	Device         string `json:"device"`
}

// Collector accumulates counters during a single run.
// Thread-safe via sync.Mutex. All methods are nil-receiver safe.
type Collector struct {
	mu sync.Mutex
	s  Snapshot
}

// NewCollector creates a Collector with dimension labels.
func NewCollector(method, storageBackend, runID, device string) *Collector {
	return &Collector{s: Snapshot{
		Method:         method,
		StorageBackend: storageBackend,
		RunID:          runID,
		Device:         device,
	}}
}

func (c *Collector) add(field *int64, n int64) {
	c.mu.Lock()
	*field += n
	c.mu.Unlock()
}

// --- Run lifecycle ---

// IncRunStarted records a run start.
func (c *Collector) IncRunStarted() {
	if c == nil {
		return
	}
	c.add(&c.s.RunsStarted, 1)
}

// IncRunCompleted records a run that reached a terminal state.
func (c *Collector) IncRunCompleted() {
	if c == nil {
		return
	}
	c.add(&c.s.RunsCompleted, 1)
}

// IncRunFailed records a run ended by an error.
func (c *Collector) IncRunFailed() {
	if c == nil {
		return
	}
	c.add(&c.s.RunsFailed, 1)
}

// IncRunInterrupted records a run cancelled by a signal.
func (c *Collector) IncRunInterrupted() {
	if c == nil {
		return
	}
	c.add(&c.s.RunsInterrupted, 1)
}

// IncRunResumed records a run that continued an interrupted one.
func (c *Collector) IncRunResumed() {
	if c == nil {
		return
	}
	c.add(&c.s.RunsResumed, 1)
}

// --- State machine ---

// IncStateEntered records a state entry.
func (c *Collector) IncStateEntered() {
	if c == nil {
		return
	}
	c.add(&c.s.StatesEntered, 1)
}

// IncTransition records a fired transition.
func (c *Collector) IncTransition() {
	if c == nil {
		return
	}
	c.add(&c.s.Transitions, 1)
}

// --- External tools ---

// IncProcessStarted records a long-running tool launch.
func (c *Collector) IncProcessStarted() {
	if c == nil {
		return
	}
	c.add(&c.s.ProcessesStarted, 1)
}

// IncToolFailure records a tool that exited unsuccessfully.
func (c *Collector) IncToolFailure() {
	if c == nil {
		return
	}
	c.add(&c.s.ToolFailures, 1)
}

// --- Partition table ---

// IncTableRead records a partition table ingest.
func (c *Collector) IncTableRead() {
	if c == nil {
		return
	}
	c.add(&c.s.TableReads, 1)
}

// IncManualSession records a manual TestDisk session.
func (c *Collector) IncManualSession() {
	if c == nil {
		return
	}
	c.add(&c.s.ManualSessions, 1)
}

// IncBackupRecord records a table appended to the backup trail.
func (c *Collector) IncBackupRecord() {
	if c == nil {
		return
	}
	c.add(&c.s.BackupRecords, 1)
}

// --- Rescue logs ---

// AddTraceLines records trace lines parsed.
func (c *Collector) AddTraceLines(n int) {
	if c == nil {
		return
	}
	c.add(&c.s.TraceLines, int64(n))
}

// IncLogFlush records a rescue log written to disk.
func (c *Collector) IncLogFlush() {
	if c == nil {
		return
	}
	c.add(&c.s.LogFlushes, 1)
}

// SetMetaSectors records the sectors of the final metadata extent set.
func (c *Collector) SetMetaSectors(n int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.s.MetaSectors = n
	c.mu.Unlock()
}

// SetMappedSectors records the sectors of the final data extent set.
func (c *Collector) SetMappedSectors(n int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.s.MappedSectors = n
	c.mu.Unlock()
}

// --- Lode / Storage ---

// IncLodeWriteSuccess records a successful archive write.
func (c *Collector) IncLodeWriteSuccess() {
	if c == nil {
		return
	}
	c.add(&c.s.LodeWriteSuccess, 1)
}

// IncLodeWriteFailure records a failed archive write.
func (c *Collector) IncLodeWriteFailure() {
	if c == nil {
		return
	}
	c.add(&c.s.LodeWriteFailure, 1)
}

// --- Snapshot ---

// Snapshot returns an immutable point-in-time view of all counters.
// A nil Collector yields a zero Snapshot.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.s
}
