package monitor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"scalper/internal/core"
)

// ConsoleAlertHandler logs events through the structured logger.
type ConsoleAlertHandler struct {
	logger core.ILogger
}

// NewConsoleAlertHandler creates a console handler.
func NewConsoleAlertHandler(logger core.ILogger) *ConsoleAlertHandler {
	return &ConsoleAlertHandler{logger: logger.WithField("component", "alerts")}
}

func (h *ConsoleAlertHandler) Name() string { return "console" }

func (h *ConsoleAlertHandler) Handle(evt Event) error {
	fields := []interface{}{
		"kind", string(evt.Kind),
		"source", evt.Source,
	}
	switch evt.Severity {
	case SeverityCritical:
		h.logger.Error(evt.Message, fields...)
	case SeverityWarning:
		h.logger.Warn(evt.Message, fields...)
	default:
		h.logger.Info(evt.Message, fields...)
	}
	return nil
}

// FileAlertHandler appends every event as one JSON line to alerts.log, the
// format external log shippers consume.
type FileAlertHandler struct {
	mu   sync.Mutex
	path string
}

// NewFileAlertHandler creates the handler, making the parent directory.
func NewFileAlertHandler(path string) (*FileAlertHandler, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create alert log directory: %w", err)
		}
	}
	return &FileAlertHandler{path: path}, nil
}

func (h *FileAlertHandler) Name() string { return "file" }

func (h *FileAlertHandler) Handle(evt Event) error {
	line, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	f, err := os.OpenFile(h.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open alert log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write alert: %w", err)
	}
	return nil
}
