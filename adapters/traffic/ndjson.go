package traffic

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/relaycore/relay/domain"
)

// Sink appends traffic audit entries as newline-delimited JSON. The
// log directory is created lazily on first write, once per process.
type Sink struct {
	dir string

	initOnce sync.Once
	initErr  error
	mu       sync.Mutex
	file     *os.File

	now func() time.Time
}

func NewSink(dir string) *Sink {
	return &Sink{dir: dir, now: time.Now}
}

type logLine struct {
	Timestamp string                 `json:"timestamp"`
	Category  domain.TrafficCategory `json:"category"`
	Route     string                 `json:"route"`
	Direction string                 `json:"direction"`
	Context   map[string]any         `json:"context,omitempty"`
	Payload   any                    `json:"payload,omitempty"`
}

// LogTraffic implements domain.TrafficSink. Failures come back as an
// error for the caller to log; the sink itself never panics into the
// dispatch path.
func (s *Sink) LogTraffic(ctx context.Context, entry domain.TrafficEntry) error {
	s.initOnce.Do(func() {
		if err := os.MkdirAll(s.dir, 0700); err != nil {
			s.initErr = fmt.Errorf("failed to create traffic dir: %w", err)
			return
		}
		f, err := os.OpenFile(filepath.Join(s.dir, "traffic.ndjson"),
			os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			s.initErr = fmt.Errorf("failed to open traffic log: %w", err)
			return
		}
		s.file = f
	})
	if s.initErr != nil {
		return s.initErr
	}

	line := logLine{
		Timestamp: s.now().UTC().Format(time.RFC3339Nano),
		Category:  entry.Category,
		Route:     entry.Route,
		Direction: entry.Direction,
		Context:   entry.Context,
		Payload:   entry.Payload,
	}
	data, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("failed to marshal traffic entry: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.Write(data); err != nil {
		return fmt.Errorf("failed to write traffic entry: %w", err)
	}
	return nil
}

// Close releases the underlying log file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}
