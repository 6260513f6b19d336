package gateway

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/modelgate/types"
)

// RequestLogEntry is one completed job's record: what ran, where, how long,
// and how it ended. Written on every terminal state, success or failure.
type RequestLogEntry struct {
	Timestamp  time.Time            `json:"timestamp"`
	JobID      string               `json:"job_id"`
	RequestID  string               `json:"request_id,omitempty"`
	Model      string               `json:"model"`
	Route      string               `json:"route,omitempty"`
	Provider   string               `json:"provider"`
	Status     string               `json:"status"`
	RuntimeMS  float64              `json:"runtime_ms"`
	Error      string               `json:"error,omitempty"`
	Normalized types.NormalizedCode `json:"normalized,omitempty"`
}

// RequestLog keeps a bounded in-memory ring of recent entries and appends
// every entry to a JSONL file through a dedicated zap core.
type RequestLog struct {
	mu      sync.Mutex
	entries []RequestLogEntry
	next    int
	full    bool

	filePath string
	sink     *zap.Logger
}

// NewRequestLog opens (or creates) dir/gateway.jsonl and sizes the ring to
// ringSize entries (default 500 when <= 0).
func NewRequestLog(dir string, ringSize int, logger *zap.Logger) (*RequestLog, error) {
	if ringSize <= 0 {
		ringSize = 500
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, "gateway.jsonl")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encCfg),
		zapcore.Lock(zapcore.AddSync(file)),
		zapcore.InfoLevel,
	)

	return &RequestLog{
		entries:  make([]RequestLogEntry, ringSize),
		filePath: path,
		sink:     zap.New(core).Named("request"),
	}, nil
}

// Log records one completed job, in memory and on disk.
func (l *RequestLog) Log(e RequestLogEntry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	l.mu.Lock()
	l.entries[l.next] = e
	l.next++
	if l.next == len(l.entries) {
		l.next = 0
		l.full = true
	}
	l.mu.Unlock()

	l.sink.Info("request completed",
		zap.String("job_id", e.JobID),
		zap.String("request_id", e.RequestID),
		zap.String("model", e.Model),
		zap.String("route", e.Route),
		zap.String("provider", e.Provider),
		zap.String("status", e.Status),
		zap.Float64("runtime_ms", e.RuntimeMS),
		zap.String("error", e.Error),
		zap.String("normalized", string(e.Normalized)),
	)
}

// Recent returns up to n entries, oldest first. n <= 0 returns the whole
// ring's contents.
func (l *RequestLog) Recent(n int) []RequestLogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	var ordered []RequestLogEntry
	if l.full {
		ordered = append(ordered, l.entries[l.next:]...)
		ordered = append(ordered, l.entries[:l.next]...)
	} else {
		ordered = append(ordered, l.entries[:l.next]...)
	}
	if n > 0 && len(ordered) > n {
		ordered = ordered[len(ordered)-n:]
	}
	return ordered
}

// FilePath returns the JSONL sink's location for the admin tail endpoint.
func (l *RequestLog) FilePath() string {
	return l.filePath
}

// Sync flushes the file sink.
func (l *RequestLog) Sync() error {
	return l.sink.Sync()
}
