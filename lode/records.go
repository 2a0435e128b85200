package lode

import (
	"time"

	"github.com/pithecene-io/usedrescue/btrace"
	"github.com/pithecene-io/usedrescue/journal"
	"github.com/pithecene-io/usedrescue/metrics"
	"github.com/pithecene-io/usedrescue/types"
)

// RecordKind discriminator values. Each kind is its own partition.
const (
	RecordKindSummary = "summary"
	RecordKindHealth  = "health"
	RecordKindTrace   = "trace"
	RecordKindMetrics = "metrics"
)

// Run is what the archive keeps about one finished run.
type Run struct {
	Meta        *types.RunMeta
	Outcome     *types.RecoveryOutcome
	StartedAt   time.Time
	CompletedAt time.Time
	// DevSize is the device size in sectors.
	DevSize       int64
	MetaSectors   int64
	MappedSectors int64
	// Table is nil when no partition table was read.
	Table *journal.Table
	// TraceStats is nil when the metadata trace did not run.
	TraceStats *btrace.Stats
	Metrics    metrics.Snapshot
}

// runRecords converts run into the records written for it. Lode's Hive
// layout requires records as map[string]any carrying every partition key.
func runRecords(run Run, cfg Config) []any {
	ts := run.CompletedAt.UTC().Format(time.RFC3339Nano)
	records := []any{toSummaryRecordMap(run, cfg, ts)}
	if run.Table != nil {
		records = append(records, toHealthRecordMap(run.Table, cfg, ts))
	}
	if run.TraceStats != nil {
		records = append(records, toTraceRecordMap(run.TraceStats, cfg, ts))
	}
	return append(records, toMetricsRecordMap(run.Metrics, cfg, ts))
}

func baseRecord(kind string, cfg Config, ts string) map[string]any {
	return map[string]any{
		"record_kind": kind,
		"device":      cfg.Device,
		"day":         cfg.Day,
		"run_id":      cfg.RunID,
		"ts":          ts,
	}
}

func toSummaryRecordMap(run Run, cfg Config, ts string) map[string]any {
	m := baseRecord(RecordKindSummary, cfg, ts)
	m["started_at"] = run.StartedAt.UTC().Format(time.RFC3339Nano)
	m["duration_ms"] = run.CompletedAt.Sub(run.StartedAt).Milliseconds()
	m["dev_size"] = run.DevSize
	m["meta_sectors"] = run.MetaSectors
	m["mapped_sectors"] = run.MappedSectors
	if run.Meta != nil {
		m["device_path"] = run.Meta.Device
		m["image"] = run.Meta.Image
		m["dest"] = run.Meta.Dest
	}
	if o := run.Outcome; o != nil {
		m["status"] = string(o.Status)
		m["message"] = o.Message
		m["final_state"] = o.FinalState
		m["resumed"] = o.Resumed
	}
	return m
}

func toHealthRecordMap(t *journal.Table, cfg Config, ts string) map[string]any {
	m := baseRecord(RecordKindHealth, cfg, ts)
	m["source"] = t.Source
	m["healthy"] = len(t.Reasons) == 0
	m["flags"] = t.Flags
	m["reasons"] = t.Reasons
	m["unaccounted"] = t.Unaccounted
	m["entries"] = t.Entries
	return m
}

func toTraceRecordMap(s *btrace.Stats, cfg Config, ts string) map[string]any {
	m := baseRecord(RecordKindTrace, cfg, ts)
	m["lines"] = s.Lines
	m["malformed"] = s.Malformed
	m["read_sectors"] = s.ReadSectors
	m["write_sectors"] = s.WriteSectors
	m["payloads"] = s.Payloads
	m["actions"] = s.Actions
	m["rwbs"] = s.RWBS
	m["commands"] = s.Commands
	m["errors"] = s.Errors
	return m
}

func toMetricsRecordMap(s metrics.Snapshot, cfg Config, ts string) map[string]any {
	m := baseRecord(RecordKindMetrics, cfg, ts)
	m["runs_started"] = s.RunsStarted
	m["runs_completed"] = s.RunsCompleted
	m["runs_failed"] = s.RunsFailed
	m["runs_interrupted"] = s.RunsInterrupted
	m["runs_resumed"] = s.RunsResumed
	m["states_entered"] = s.StatesEntered
	m["transitions"] = s.Transitions
	m["processes_started"] = s.ProcessesStarted
	m["tool_failures"] = s.ToolFailures
	m["table_reads"] = s.TableReads
	m["manual_sessions"] = s.ManualSessions
	m["backup_records"] = s.BackupRecords
	m["trace_lines"] = s.TraceLines
	m["log_flushes"] = s.LogFlushes
	m["lode_write_success"] = s.LodeWriteSuccess
	m["lode_write_failure"] = s.LodeWriteFailure
	m["method"] = s.Method
	m["storage_backend"] = s.StorageBackend
	return m
}
