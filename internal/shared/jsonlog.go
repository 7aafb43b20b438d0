package shared

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ProbeRecord is the journal form of one finished probe.
type ProbeRecord struct {
	FinishedAt time.Time     `json:"finished_at"`
	Remote     string        `json:"remote"`
	Local      string        `json:"local"`
	Slot       int           `json:"slot"`
	SourcePort int           `json:"source_port"`
	Path       string        `json:"path,omitempty"`
	OK         bool          `json:"ok"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration_ns"`
	Bytes      int           `json:"bytes"`
}

// JSONLogger writes probe records as the elements of one JSON array.
// It is safe for concurrent use.
type JSONLogger struct {
	mu      sync.Mutex
	w       io.Writer
	closeFn func() error
	pretty  bool
	started bool
	first   bool
}

// NewJSONLogger opens path for writing. An empty path disables the journal
// and "-" writes to stdout.
func NewJSONLogger(path string, pretty bool) (*JSONLogger, error) {
	if path == "" {
		return nil, nil
	}
	if path == "-" {
		return &JSONLogger{
			w:      os.Stdout,
			pretty: pretty,
			first:  true,
		}, nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open journal")
	}

	return &JSONLogger{
		w:       f,
		closeFn: f.Close,
		pretty:  pretty,
		first:   true,
	}, nil
}

// NewJSONLoggerWriter journals to an existing writer.
func NewJSONLoggerWriter(w io.Writer, pretty bool) *JSONLogger {
	return &JSONLogger{
		w:      w,
		pretty: pretty,
		first:  true,
	}
}

func (l *JSONLogger) WriteRecord(rec ProbeRecord) error {
	if l == nil || l.w == nil {
		return nil
	}

	var (
		out []byte
		err error
	)
	if l.pretty {
		out, err = json.MarshalIndent(rec, "  ", "  ")
	} else {
		out, err = json.Marshal(rec)
	}
	if err != nil {
		return errors.Wrap(err, "encode probe record")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.started {
		if _, err := io.WriteString(l.w, "[\n"); err != nil {
			return err
		}
		l.started = true
	}

	if !l.first {
		if _, err := io.WriteString(l.w, ",\n"); err != nil {
			return err
		}
	}
	l.first = false

	if _, err := l.w.Write(out); err != nil {
		return err
	}
	if _, err := io.WriteString(l.w, "\n"); err != nil {
		return err
	}

	return nil
}

// Close terminates the array and closes the underlying file.
func (l *JSONLogger) Close() error {
	if l == nil || l.w == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.started {
		if _, err := io.WriteString(l.w, "[\n"); err != nil {
			return err
		}
		l.started = true
	}
	if _, err := io.WriteString(l.w, "]\n"); err != nil {
		return err
	}
	l.started = false
	l.first = true

	if l.closeFn != nil {
		return l.closeFn()
	}
	return nil
}
