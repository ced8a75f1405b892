package orderapi

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"

	"github.com/silvercrystal/batch-allocator/internal/config"
)

func TestSinkWritesParseableJSONLines(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	sink, err := NewSink(config.APIConfig{TelemetryEnabled: true, TelemetryDir: dir}, "run-1")
	if err != nil {
		t.Fatalf("open sink: %v", err)
	}
	sink.Emit(Event{Event: "order.create.ok", Order: "SO1", Status: 200})
	sink.Emit(Event{Event: "order.create.defer", Order: "SO2", Status: 500})
	if err := sink.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "events_run-1.jsonl"))
	if err != nil {
		t.Fatalf("read events: %v", err)
	}
	var events []Event
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		var ev Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("unparseable line %q: %v", sc.Text(), err)
		}
		events = append(events, ev)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].RunID != "run-1" || events[0].TS == "" {
		t.Fatalf("run id / timestamp not stamped: %+v", events[0])
	}
	if events[1].Status != 500 {
		t.Fatalf("unexpected second event: %+v", events[1])
	}
}

func TestSinkCompressed(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	sink, err := NewSink(config.APIConfig{
		TelemetryEnabled:  true,
		TelemetryDir:      dir,
		TelemetryCompress: true,
	}, "run-2")
	if err != nil {
		t.Fatalf("open sink: %v", err)
	}
	sink.Emit(Event{Event: "http.ack", Status: 200})
	if err := sink.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "events_run-2.jsonl.zst"))
	if err != nil {
		t.Fatalf("read events: %v", err)
	}
	dec, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("zstd reader: %v", err)
	}
	defer dec.Close()
	var ev Event
	if err := json.NewDecoder(dec).Decode(&ev); err != nil {
		t.Fatalf("decode decompressed event: %v", err)
	}
	if ev.Event != "http.ack" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestNilSinkIsSafe(t *testing.T) {
	t.Parallel()

	var sink *Sink
	sink.Emit(Event{Event: "noop"})
	if err := sink.Close(); err != nil {
		t.Fatalf("nil close: %v", err)
	}
}

func TestSinkDisabled(t *testing.T) {
	t.Parallel()

	sink, err := NewSink(config.APIConfig{TelemetryEnabled: false}, "run-3")
	if err != nil {
		t.Fatalf("disabled sink: %v", err)
	}
	if sink != nil {
		t.Fatal("disabled telemetry should yield a nil sink")
	}
}
