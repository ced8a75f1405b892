// Package runs manages run directories under the data root. Every
// allocation run gets its own timestamped directory holding the result
// shards, combined outputs, and a metadata.json describing the run.
package runs

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// ErrNoRun is returned by Latest when no run directory exists yet.
var ErrNoRun = errors.New("no run found")

// Metadata describes one allocation run. It is persisted as metadata.json
// inside the run directory and updated in place as the run progresses.
type Metadata struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Status     string    `json:"status"` // "running" | "completed" | "failed"
	Batches    []string  `json:"batches"`
	Workers    int       `json:"workers"`

	OrdersPlaced int `json:"orders_placed"`
	OrdersFailed int `json:"orders_failed"`
}

// Run is an open run directory.
type Run struct {
	Meta Metadata
	Dir  string
}

// Manager creates and locates run directories under <dataDir>/runs.
type Manager struct {
	root string
}

// NewManager returns a manager rooted at dataDir.
func NewManager(dataDir string) *Manager {
	return &Manager{root: filepath.Join(dataDir, "runs")}
}

// Create makes a fresh run directory and writes its initial metadata.
func (m *Manager) Create(batches []string, workers int) (*Run, error) {
	id := time.Now().UTC().Format("20060102-150405")
	dir := filepath.Join(m.root, id)
	// A rerun within the same second lands in the same directory; bump the
	// suffix until we find a free one.
	for n := 1; ; n++ {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			break
		}
		dir = filepath.Join(m.root, fmt.Sprintf("%s-%d", id, n))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}

	run := &Run{
		Meta: Metadata{
			RunID:     filepath.Base(dir),
			StartedAt: time.Now().UTC(),
			Status:    "running",
			Batches:   batches,
			Workers:   workers,
		},
		Dir: dir,
	}
	if err := run.save(); err != nil {
		return nil, err
	}
	return run, nil
}

// Latest returns the most recent run, open or finished. Returns ErrNoRun
// when no run directory with readable metadata exists.
func (m *Manager) Latest() (*Run, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoRun
		}
		return nil, fmt.Errorf("read runs dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	for _, name := range names {
		dir := filepath.Join(m.root, name)
		meta, err := readMetadata(filepath.Join(dir, "metadata.json"))
		if err != nil {
			continue
		}
		return &Run{Meta: meta, Dir: dir}, nil
	}
	return nil, ErrNoRun
}

// Finish records the final status and counts and persists the metadata.
func (r *Run) Finish(status string, placed, failed int) error {
	r.Meta.Status = status
	r.Meta.FinishedAt = time.Now().UTC()
	r.Meta.OrdersPlaced = placed
	r.Meta.OrdersFailed = failed
	return r.save()
}

// Path resolves a file name inside the run directory.
func (r *Run) Path(name string) string {
	return filepath.Join(r.Dir, name)
}

// save writes metadata.json atomically via a temp file and rename.
func (r *Run) save() error {
	data, err := json.MarshalIndent(r.Meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run metadata: %w", err)
	}

	path := filepath.Join(r.Dir, "metadata.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write run metadata: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit run metadata: %w", err)
	}
	return nil
}

func readMetadata(path string) (Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, err
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return Metadata{}, fmt.Errorf("parse run metadata: %w", err)
	}
	return meta, nil
}
