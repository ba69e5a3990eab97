package monitor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hupe1980/agentrelay/message"
)

var (
	// ErrNoArchiveDir is returned by SaveTrace when no archive directory is configured.
	ErrNoArchiveDir = errors.New("monitor: archive directory not configured")
	// ErrTraceNotFound is returned by SaveTrace for an unknown id.
	ErrTraceNotFound = errors.New("monitor: trace not found")
)

const snapshotTimeLayout = "20060102_150405"

// SaveTrace writes a JSON snapshot of the trace for id into the archive
// directory and returns the file path.
func (m *Monitor) SaveTrace(id string) (string, error) {
	if m.opts.ArchiveDir == "" {
		return "", ErrNoArchiveDir
	}

	t, ok := m.GetTrace(id)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrTraceNotFound, id)
	}

	return m.writeSnapshot(t)
}

func (m *Monitor) writeSnapshot(t Trace) (string, error) {
	if err := os.MkdirAll(m.opts.ArchiveDir, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}

	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode trace %s: %w", t.MessageID, err)
	}

	name := fmt.Sprintf("%s_%s.json", m.opts.Clock().Format(snapshotTimeLayout), message.ShortID(t.MessageID))
	path := filepath.Join(m.opts.ArchiveDir, name)

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write trace %s: %w", t.MessageID, err)
	}

	return path, nil
}

// LoadTrace reads a snapshot written by SaveTrace.
func LoadTrace(path string) (Trace, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Trace{}, err
	}

	var t Trace
	if err := json.Unmarshal(data, &t); err != nil {
		return Trace{}, fmt.Errorf("decode %s: %w", path, err)
	}

	return t, nil
}
