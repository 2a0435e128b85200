package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/pithecene-io/usedrescue/adapter"
	redisadapter "github.com/pithecene-io/usedrescue/adapter/redis"
	"github.com/pithecene-io/usedrescue/adapter/webhook"
	"github.com/pithecene-io/usedrescue/journal"
	"github.com/pithecene-io/usedrescue/lode"
	"github.com/pithecene-io/usedrescue/log"
	"github.com/pithecene-io/usedrescue/metrics"
	"github.com/pithecene-io/usedrescue/ptable"
	"github.com/pithecene-io/usedrescue/runtime"
	"github.com/pithecene-io/usedrescue/testdisk"
	"github.com/pithecene-io/usedrescue/types"
)

// archiveConfig derives the partition keys of a run archive.
func archiveConfig(meta *types.RunMeta, startTime time.Time) lode.Config {
	return lode.Config{
		Dataset: lode.Dataset,
		Device:  lode.DeviceKey(meta.Device),
		Day:     lode.DeriveDay(startTime),
		RunID:   meta.RunID,
	}
}

// buildArchiver creates the archive client, or nil when archiving is off.
// The client is instrumented so archive writes show up in the run counters.
func buildArchiver(ctx context.Context, ac archiveChoice, meta *types.RunMeta, startTime time.Time, collector *metrics.Collector) (lode.Archiver, error) {
	cfg := archiveConfig(meta, startTime)

	var (
		client *lode.Client
		err    error
	)
	switch ac.backend {
	case "":
		return nil, nil
	case "fs":
		client, err = lode.NewClient(cfg, ac.path)
	case "s3":
		bucket, prefix := lode.ParseS3Path(ac.path)
		client, err = lode.NewS3Client(ctx, cfg, lode.S3Config{
			Bucket:       bucket,
			Prefix:       prefix,
			Region:       ac.region,
			Endpoint:     ac.endpoint,
			UsePathStyle: ac.pathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown archive backend: %s (must be fs or s3)", ac.backend)
	}
	if err != nil {
		return nil, err
	}
	return lode.NewInstrumentedArchiver(client, collector), nil
}

// buildArchivePath renders where a run archive lives, for events and
// the run summary.
func buildArchivePath(ac archiveChoice, cfg lode.Config) string {
	partition := fmt.Sprintf("datasets/%s/partitions/device=%s/day=%s/run_id=%s",
		cfg.Dataset, cfg.Device, cfg.Day, cfg.RunID)
	switch ac.backend {
	case "fs":
		root, err := filepath.Abs(ac.path)
		if err != nil {
			root = ac.path
		}
		return "file://" + filepath.ToSlash(filepath.Join(root, partition))
	case "s3":
		bucket, prefix := lode.ParseS3Path(ac.path)
		if prefix == "" {
			return "s3://" + bucket + "/" + partition
		}
		return "s3://" + bucket + "/" + strings.Trim(prefix, "/") + "/" + partition
	default:
		return partition
	}
}

// archiveRun stores the run logs and records. Archive failures never
// change the run outcome; they are logged and the archive path is empty.
func archiveRun(ctx context.Context, a lode.Archiver, ac archiveChoice, result *runtime.Result, startTime time.Time, logger *log.Logger) string {
	if a == nil {
		return ""
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("failed to close archive", map[string]any{"error": err.Error()})
		}
	}()

	p := result.Paths
	files := []string{
		p.Xfer,
		p.Btrace,
		p.Used,
		filepath.Join(result.RunMeta.Dest, ptable.BackupFile),
		p.Image + journal.Suffix,
		testdisk.LogPath(result.RunMeta.Dest),
	}
	stored, err := lode.ArchiveFiles(ctx, a, files)
	if err != nil {
		logger.Warn("failed to archive some logs", map[string]any{"error": err.Error()})
	}

	run := lode.Run{
		Meta:          result.RunMeta,
		Outcome:       result.Outcome,
		StartedAt:     startTime,
		CompletedAt:   startTime.Add(result.Duration),
		DevSize:       result.DevSize,
		MetaSectors:   result.MetaSectors,
		MappedSectors: result.MappedSectors,
		Table:         result.Table,
		TraceStats:    result.TraceStats,
		Metrics:       result.Metrics,
	}
	if err := a.WriteRun(ctx, run); err != nil {
		logger.Error("failed to archive run records", map[string]any{"error": err.Error()})
		return ""
	}

	path := buildArchivePath(ac, archiveConfig(result.RunMeta, startTime))
	logger.Info("run archived", map[string]any{"path": path, "files": stored})
	return path
}

// buildAdapters creates the completion notifiers, or none when off.
func buildAdapters(nc notifyChoice) ([]adapter.Adapter, error) {
	switch nc.adapterType {
	case "":
		return nil, nil
	case "webhook":
		a, err := webhook.New(webhook.Config{
			URL:     nc.url,
			Headers: nc.headers,
			Timeout: nc.timeout,
			Retries: nc.retries,
		})
		if err != nil {
			return nil, err
		}
		return []adapter.Adapter{a}, nil
	case "redis":
		a, err := redisadapter.New(redisadapter.Config{
			URL:     nc.url,
			Channel: nc.channel,
			Timeout: nc.timeout,
			Retries: nc.retries,
		})
		if err != nil {
			return nil, err
		}
		return []adapter.Adapter{a}, nil
	default:
		return nil, fmt.Errorf("unknown notify type: %s (must be webhook or redis)", nc.adapterType)
	}
}

// buildRecoveryCompletedEvent maps a run result to its notification.
func buildRecoveryCompletedEvent(result *runtime.Result, archivePath string, completedAt time.Time) *adapter.RecoveryCompletedEvent {
	e := adapter.NewEvent(result.RunMeta, result.Outcome, completedAt, result.Duration)
	e.DevSize = result.DevSize
	e.MetaSectors = result.MetaSectors
	e.MappedSectors = result.MappedSectors
	e.ArchivePath = archivePath
	return e
}

func notifyRun(ctx context.Context, adapters []adapter.Adapter, result *runtime.Result, archivePath string, logger *log.Logger) {
	if len(adapters) == 0 {
		return
	}
	event := buildRecoveryCompletedEvent(result, archivePath, time.Now())
	if err := adapter.Notify(ctx, adapters, event, logger); err != nil {
		logger.Warn("completion notification failed", map[string]any{"error": err.Error()})
	}
}

// RunSummary is the rendered result of the run command.
type RunSummary struct {
	RunID         string  `json:"run_id" yaml:"run_id"`
	Device        string  `json:"device" yaml:"device"`
	Image         string  `json:"image" yaml:"image"`
	Outcome       string  `json:"outcome" yaml:"outcome"`
	Message       string  `json:"message,omitempty" yaml:"message,omitempty"`
	FinalState    string  `json:"final_state" yaml:"final_state"`
	Resumed       bool    `json:"resumed" yaml:"resumed"`
	Duration      string  `json:"duration" yaml:"duration"`
	DevSectors    int64   `json:"dev_sectors" yaml:"dev_sectors"`
	MetaSectors   int64   `json:"meta_sectors" yaml:"meta_sectors"`
	MappedSectors int64   `json:"mapped_sectors" yaml:"mapped_sectors"`
	Healthy       *bool   `json:"table_healthy,omitempty" yaml:"table_healthy,omitempty"`
	Diffs         int     `json:"diffs" yaml:"diffs"`
	Flushes       int64   `json:"flushes" yaml:"flushes"`
	ArchivePath   string  `json:"archive_path,omitempty" yaml:"archive_path,omitempty"`
	Coverage      float64 `json:"coverage_pct" yaml:"coverage_pct"`
}

func newRunSummary(result *runtime.Result, archivePath string) RunSummary {
	s := RunSummary{
		RunID:         result.RunMeta.RunID,
		Device:        result.RunMeta.Device,
		Image:         result.Paths.Image,
		Outcome:       string(result.Outcome.Status),
		Message:       result.Outcome.Message,
		FinalState:    result.Outcome.FinalState,
		Resumed:       result.Outcome.Resumed,
		Duration:      result.Duration.Round(time.Millisecond).String(),
		DevSectors:    result.DevSize,
		MetaSectors:   result.MetaSectors,
		MappedSectors: result.MappedSectors,
		Diffs:         len(result.Diffs),
		Flushes:       result.Metrics.LogFlushes,
		ArchivePath:   archivePath,
	}
	if result.Table != nil {
		healthy := len(result.Table.Reasons) == 0
		s.Healthy = &healthy
	}
	if result.DevSize > 0 {
		s.Coverage = 100 * float64(result.MetaSectors+result.MappedSectors) / float64(result.DevSize)
	}
	return s
}
