// Package journal records what a recovery run did as a stream of
// length-prefixed msgpack frames.
//
// Each frame is a 4-byte big-endian payload length followed by one
// msgpack-encoded Record. The journal lives next to the rescue logs and
// is appended to across resumed runs, so an interrupted run can be
// reconstructed with `usedrescue inspect journal`.
package journal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/pithecene-io/usedrescue/ptable"
	"github.com/pithecene-io/usedrescue/types"
)

// Frame size constants.
const (
	// MaxFrameSize is the maximum frame size (4 MiB), including length prefix.
	MaxFrameSize = 4 * 1024 * 1024
	// MaxPayloadSize is the maximum payload size (MaxFrameSize - 4 bytes).
	MaxPayloadSize = MaxFrameSize - LengthPrefixSize
	// LengthPrefixSize is the size of the length prefix in bytes.
	LengthPrefixSize = 4
)

// Suffix is appended to the image filename to name the journal.
const Suffix = ".journal"

// RecordType discriminates journal records.
type RecordType string

// Record types.
const (
	TypeRunStart   RecordType = "run_start"
	TypeTransition RecordType = "transition"
	TypeTable      RecordType = "table"
	TypeClone      RecordType = "clone"
	TypeRunEnd     RecordType = "run_end"
)

// Record is one journal entry. Fields not relevant to Type are empty.
type Record struct {
	Type  RecordType `msgpack:"type" json:"type"`
	Seq   int64      `msgpack:"seq" json:"seq"`
	Ts    string     `msgpack:"ts" json:"ts"`
	RunID string     `msgpack:"run_id" json:"run_id"`

	// run_start
	Meta  *types.RunMeta `msgpack:"meta,omitempty" json:"meta,omitempty"`
	Start string         `msgpack:"start,omitempty" json:"start,omitempty"`

	// transition
	From  string `msgpack:"from,omitempty" json:"from,omitempty"`
	To    string `msgpack:"to,omitempty" json:"to,omitempty"`
	Cycle uint64 `msgpack:"cycle,omitempty" json:"cycle,omitempty"`

	// table
	Table *Table `msgpack:"table,omitempty" json:"table,omitempty"`

	// clone
	Clone []Clone `msgpack:"clone,omitempty" json:"clone,omitempty"`

	// run_end
	Outcome *types.RecoveryOutcome `msgpack:"outcome,omitempty" json:"outcome,omitempty"`
}

// Table is a partition table snapshot.
type Table struct {
	Source      string         `msgpack:"source" json:"source"`
	Flags       uint8          `msgpack:"flags" json:"flags"`
	Reasons     []string       `msgpack:"reasons,omitempty" json:"reasons,omitempty"`
	Unaccounted int64          `msgpack:"unaccounted" json:"unaccounted"`
	Entries     []ptable.Entry `msgpack:"entries" json:"entries"`
}

// TableOf snapshots t, read from source.
func TableOf(source string, t *ptable.Table) *Table {
	return &Table{
		Source:      source,
		Flags:       uint8(t.Flags()),
		Reasons:     t.Reasons(),
		Unaccounted: t.Unaccounted(),
		Entries:     t.Entries(),
	}
}

// Clone is what the clone stage did for one partition.
type Clone struct {
	Path       string `msgpack:"path" json:"path"`
	Start      int64  `msgpack:"start" json:"start"`
	Size       int64  `msgpack:"size" json:"size"`
	FSType     string `msgpack:"fstype" json:"fstype"`
	Attempted  bool   `msgpack:"attempted" json:"attempted"`
	MetaCloned bool   `msgpack:"meta_cloned" json:"meta_cloned"`
	DataCloned bool   `msgpack:"data_cloned" json:"data_cloned"`
}

// FrameErrorKind classifies frame decoding errors.
type FrameErrorKind int

const (
	// FrameErrorPartial indicates a truncated or incomplete frame.
	FrameErrorPartial FrameErrorKind = iota
	// FrameErrorTooLarge indicates a frame exceeding MaxFrameSize.
	FrameErrorTooLarge
	// FrameErrorDecode indicates a msgpack decoding error.
	FrameErrorDecode
)

// FrameError represents a frame decoding error.
type FrameError struct {
	Kind FrameErrorKind
	Msg  string
	Err  error
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// IsTruncated reports whether err is a partial trailing frame, as left
// by a run killed mid-write.
func IsTruncated(err error) bool {
	var fe *FrameError
	return errors.As(err, &fe) && fe.Kind == FrameErrorPartial
}

// Writer appends records. It is safe for concurrent use.
type Writer struct {
	mu    sync.Mutex
	w     io.Writer
	c     io.Closer
	runID string
	seq   int64
	now   func() time.Time
}

// NewWriter writes records for runID to w.
func NewWriter(w io.Writer, runID string) *Writer {
	return &Writer{w: w, runID: runID, now: time.Now}
}

// Open appends to the journal file at path, creating it if needed.
func Open(path, runID string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	jw := NewWriter(f, runID)
	jw.c = f
	return jw, nil
}

// Write stamps rec with the next sequence number, the time and the run
// id, then appends it as one frame.
func (jw *Writer) Write(rec Record) error {
	if jw == nil {
		return nil
	}
	jw.mu.Lock()
	defer jw.mu.Unlock()

	jw.seq++
	rec.Seq = jw.seq
	rec.Ts = jw.now().UTC().Format(time.RFC3339Nano)
	rec.RunID = jw.runID

	payload, err := msgpack.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("encode journal record: %w", err)
	}
	if len(payload) > MaxPayloadSize {
		return &FrameError{
			Kind: FrameErrorTooLarge,
			Msg:  fmt.Sprintf("payload size %d exceeds maximum %d", len(payload), MaxPayloadSize),
		}
	}
	frame := make([]byte, LengthPrefixSize+len(payload))
	binary.BigEndian.PutUint32(frame[:LengthPrefixSize], uint32(len(payload)))
	copy(frame[LengthPrefixSize:], payload)
	if _, err := jw.w.Write(frame); err != nil {
		return fmt.Errorf("write journal record: %w", err)
	}
	return nil
}

// Close closes the underlying file when the writer was opened with Open.
func (jw *Writer) Close() error {
	if jw == nil || jw.c == nil {
		return nil
	}
	return jw.c.Close()
}

// Reader decodes records from a stream.
type Reader struct {
	r *bufio.Reader
}

// NewReader creates a new record reader.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Read reads the next record.
//
// Errors:
//   - io.EOF: stream ended cleanly (no more records)
//   - *FrameError with Kind=FrameErrorPartial: incomplete trailing frame
//   - *FrameError with Kind=FrameErrorTooLarge: frame exceeds limit
//   - *FrameError with Kind=FrameErrorDecode: payload is not a Record
func (jr *Reader) Read() (*Record, error) {
	var lengthBuf [LengthPrefixSize]byte
	if _, err := io.ReadFull(jr.r, lengthBuf[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, &FrameError{Kind: FrameErrorPartial, Msg: "failed to read length prefix", Err: err}
	}

	size := binary.BigEndian.Uint32(lengthBuf[:])
	if size > MaxPayloadSize {
		return nil, &FrameError{
			Kind: FrameErrorTooLarge,
			Msg:  fmt.Sprintf("payload size %d exceeds maximum %d", size, MaxPayloadSize),
		}
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(jr.r, payload); err != nil {
		return nil, &FrameError{Kind: FrameErrorPartial, Msg: "failed to read payload", Err: err}
	}

	var rec Record
	if err := msgpack.Unmarshal(payload, &rec); err != nil {
		return nil, &FrameError{Kind: FrameErrorDecode, Msg: "failed to decode journal record", Err: err}
	}
	return &rec, nil
}

// ReadAll reads every record. A truncated trailing frame ends the read
// and is returned as the error together with the records before it.
func ReadAll(r io.Reader) ([]Record, error) {
	jr := NewReader(r)
	var out []Record
	for {
		rec, err := jr.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, *rec)
	}
}
