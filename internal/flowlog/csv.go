package flowlog

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"
)

var csvHeader = []string{"run_id", "time_s", "bundle_id", "from", "to", "action", "node_type"}

// CSV writes records as comma-separated rows, one per event. Time is
// written in seconds relative to the run epoch.
type CSV struct {
	mu     sync.Mutex
	w      *csv.Writer
	closer io.Closer
	runID  string
	epoch  time.Time
}

// NewCSV writes the header to w and returns a sink appending to it.
func NewCSV(w io.Writer, runID string, epoch time.Time) (*CSV, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("write flow log header: %w", err)
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return nil, fmt.Errorf("write flow log header: %w", err)
	}
	return &CSV{w: cw, runID: runID, epoch: epoch}, nil
}

// CreateCSV creates (or truncates) path and returns a sink writing to it.
func CreateCSV(path, runID string, epoch time.Time) (*CSV, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create flow log: %w", err)
	}
	s, err := NewCSV(f, runID, epoch)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	s.closer = f
	return s, nil
}

func (c *CSV) Record(r Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	secs := r.Time.Sub(c.epoch).Seconds()
	row := []string{
		c.runID,
		strconv.FormatFloat(secs, 'f', 3, 64),
		r.BundleID.String(),
		string(r.From),
		string(r.To),
		string(r.Action),
		string(r.NodeType),
	}
	if err := c.w.Write(row); err != nil {
		return fmt.Errorf("write flow record: %w", err)
	}
	c.w.Flush()
	return c.w.Error()
}

// Close flushes buffered rows and closes the underlying file, if any.
func (c *CSV) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.w.Flush()
	err := c.w.Error()
	if c.closer != nil {
		if cerr := c.closer.Close(); err == nil {
			err = cerr
		}
		c.closer = nil
	}
	return err
}
