package drumpond

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/raskyld/drumpond/pkg/frame"
)

// LevelCritical is above `slog.LevelError`, quit records are sent with it.
const LevelCritical = frame.LevelCritical

const (
	OutputStd    = "std"
	OutputFile   = "file"
	OutputSocket = "socket"
)

// LogConfig describes where the logs of a process go.
type LogConfig struct {
	// Output is one of "std", "file" or "socket".
	Output string

	// Name is the logger name, it names the file of the "file" output.
	Name  string
	Level slog.Level

	// Format of the "std" and "file" outputs: "text" or "json".
	Format string

	// Dir holds the log files.
	Dir string

	// Addr of the sink for the "socket" output.
	Addr string
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// NewLogHandler builds the handler described by cfg. The returned closer
// releases the file or the connection behind it.
func NewLogHandler(cfg LogConfig, opts ...Option) (slog.Handler, io.Closer, error) {
	hopts := &slog.HandlerOptions{Level: cfg.Level}

	switch cfg.Output {
	case "", OutputStd:
		return textOrJSON(os.Stderr, cfg.Format, hopts), nopCloser{}, nil
	case OutputFile:
		name := cfg.Name
		if name == "" {
			name = "drumpond"
		}
		f, err := os.Create(filepath.Join(cfg.Dir, name+".log"))
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
		return textOrJSON(f, cfg.Format, hopts), f, nil
	case OutputSocket:
		addr := cfg.Addr
		if addr == "" {
			addr = fmt.Sprintf("%s:%d", DefaultHost, DefaultSinkPort)
		}
		h, err := NewShipHandler(cfg.Name, addr, cfg.Level, opts...)
		if err != nil {
			return nil, nil, err
		}
		return h, h, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown log output %q", ErrInvalidCfg, cfg.Output)
	}
}

func textOrJSON(w io.Writer, format string, opts *slog.HandlerOptions) slog.Handler {
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}
