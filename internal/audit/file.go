package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/Rajchodisetti/futures-guard/internal/retry"
)

// FileLogger appends one JSON object per line.
type FileLogger struct {
	mu     sync.Mutex
	path   string
	policy retry.Policy
}

func NewFileLogger(path string, policy retry.Policy) (*FileLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	return &FileLogger{path: path, policy: policy}, nil
}

func (f *FileLogger) Log(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	data = append(data, '\n')

	f.mu.Lock()
	defer f.mu.Unlock()
	return retry.Do(ctx, f.policy, func() error {
		file, err := os.OpenFile(f.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		if _, err := file.Write(data); err != nil {
			file.Close()
			return err
		}
		return file.Close()
	})
}

// MemoryLogger keeps events in memory. Useful for tests and dry runs.
type MemoryLogger struct {
	mu     sync.Mutex
	events []Event
}

func (m *MemoryLogger) Log(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *MemoryLogger) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

func (m *MemoryLogger) OfType(t EventType) []Event {
	var out []Event
	for _, ev := range m.Events() {
		if ev.EventType == t {
			out = append(out, ev)
		}
	}
	return out
}
