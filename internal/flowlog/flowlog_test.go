package flowlog

import (
	"bytes"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/signalsfoundry/dtn-router/model"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func sample(action Action, at time.Duration) Record {
	return Record{
		Time:     epoch.Add(at),
		BundleID: model.BundleID{Source: "cc-0", Seq: 4},
		From:     "cc-0",
		To:       "resp-1",
		Action:   action,
		NodeType: model.RoleCommandCenter,
	}
}

func TestCSVWritesHeaderAndRows(t *testing.T) {
	var buf bytes.Buffer
	sink, err := NewCSV(&buf, "run-1", epoch)
	if err != nil {
		t.Fatalf("NewCSV: %v", err)
	}
	if err := sink.Record(sample(ActionForwarded, 1500*time.Millisecond)); err != nil {
		t.Fatalf("Record: %v", err)
	}

	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want header + 1", len(rows))
	}
	want := []string{"run-1", "1.500", "cc-0/4", "cc-0", "resp-1", "FORWARDED", "command_center"}
	for i := range want {
		if rows[1][i] != want[i] {
			t.Fatalf("column %s = %q, want %q", rows[0][i], rows[1][i], want[i])
		}
	}
}

func TestCreateCSVOnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flows.csv")
	sink, err := CreateCSV(path, "run-2", epoch)
	if err != nil {
		t.Fatalf("CreateCSV: %v", err)
	}
	_ = sink.Record(sample(ActionCreated, 0))
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Contains(data, []byte("CREATED")) {
		t.Fatalf("file missing record: %q", data)
	}
}

type failingSink struct{ err error }

func (f failingSink) Record(Record) error { return f.err }

func TestMultiDeliversToAllAndJoinsErrors(t *testing.T) {
	mem := NewMemory()
	boom := errors.New("disk full")
	multi := Multi{failingSink{err: boom}, mem, nil}

	err := multi.Record(sample(ActionDelivered, time.Second))
	if !errors.Is(err, boom) {
		t.Fatalf("Multi error = %v, want %v", err, boom)
	}
	if mem.Count(ActionDelivered) != 1 {
		t.Fatalf("memory sink missed the record after an earlier sink failed")
	}
}

func TestMemoryRecordsAreCopied(t *testing.T) {
	mem := NewMemory()
	_ = mem.Record(sample(ActionReceived, 0))
	got := mem.Records()
	got[0].To = "mutated"
	if mem.Records()[0].To != "resp-1" {
		t.Fatalf("Records exposes internal slice")
	}
}
