package orderapi

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/silvercrystal/batch-allocator/internal/config"
)

// Event is one telemetry record. Records are written as JSON lines so the
// file can be tailed while a run is in progress.
type Event struct {
	TS     string  `json:"ts"`
	Event  string  `json:"event"`
	RunID  string  `json:"run_id,omitempty"`
	RID    string  `json:"rid,omitempty"`
	Order  string  `json:"order,omitempty"`
	Batch  string  `json:"batch,omitempty"`
	Line   string  `json:"line,omitempty"`
	Status int     `json:"status,omitempty"`
	MS     float64 `json:"ms,omitempty"`
	Error  string  `json:"error,omitempty"`
}

// Sink appends telemetry events to a per-run file, optionally zstd
// compressed. All methods are safe on a nil receiver so callers never need
// to guard for disabled telemetry.
type Sink struct {
	mu    sync.Mutex
	runID string
	file  *os.File
	zw    *zstd.Encoder
	enc   *json.Encoder
}

// NewSink opens a telemetry sink for the given run. Returns (nil, nil) when
// telemetry is disabled.
func NewSink(cfg config.APIConfig, runID string) (*Sink, error) {
	if !cfg.TelemetryEnabled {
		return nil, nil
	}
	if err := os.MkdirAll(cfg.TelemetryDir, 0o755); err != nil {
		return nil, fmt.Errorf("create telemetry dir: %w", err)
	}

	name := fmt.Sprintf("events_%s.jsonl", runID)
	if cfg.TelemetryCompress {
		name += ".zst"
	}
	file, err := os.OpenFile(filepath.Join(cfg.TelemetryDir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open telemetry file: %w", err)
	}

	s := &Sink{runID: runID, file: file}
	var w io.Writer = file
	if cfg.TelemetryCompress {
		zw, err := zstd.NewWriter(file)
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("create zstd writer: %w", err)
		}
		s.zw = zw
		w = zw
	}
	s.enc = json.NewEncoder(w)
	return s, nil
}

// Emit appends one event, stamping the timestamp and run ID. Write errors
// are swallowed: telemetry must never fail a run.
func (s *Sink) Emit(ev Event) {
	if s == nil {
		return
	}
	ev.TS = time.Now().UTC().Format(time.RFC3339Nano)
	ev.RunID = s.runID

	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.enc.Encode(ev)
}

// Close flushes and closes the sink.
func (s *Sink) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.zw != nil {
		if err := s.zw.Close(); err != nil {
			s.file.Close()
			return fmt.Errorf("close zstd writer: %w", err)
		}
	}
	return s.file.Close()
}
