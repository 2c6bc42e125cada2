package drumpond

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/raskyld/drumpond/pkg/frame"
)

// ShipHandler is a `slog.Handler` writing every record to a `Sink`.
//
// The connection is dialed on the first record. If writing a record fails,
// the connection is dialed again and the record written once more before
// the error is returned.
type ShipHandler struct {
	name   string
	level  slog.Leveler
	attrs  []slog.Attr
	groups []string

	shared *shipConn
}

type shipConn struct {
	addr string
	cfg  *config

	lk   sync.Mutex
	conn net.Conn
}

// NewShipHandler returns a handler shipping records as name to the sink
// at addr. Only the network, TLS and dial timeout options are used.
func NewShipHandler(name, addr string, level slog.Leveler, opts ...Option) (*ShipHandler, error) {
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}

	if level == nil {
		level = slog.LevelInfo
	}

	return &ShipHandler{
		name:   name,
		level:  level,
		shared: &shipConn{addr: addr, cfg: cfg},
	}, nil
}

func (h *ShipHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *ShipHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}

	clone := *h
	clone.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	clone.attrs = append(clone.attrs, h.attrs...)
	for _, attr := range attrs {
		clone.attrs = append(clone.attrs, h.qualify(attr))
	}
	return &clone
}

func (h *ShipHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}

	clone := *h
	clone.groups = append(h.groups[:len(h.groups):len(h.groups)], name)
	return &clone
}

func (h *ShipHandler) Handle(ctx context.Context, r slog.Record) error {
	rec := &frame.Record{
		Name:      h.name,
		Level:     frame.LevelName(r.Level),
		Message:   r.Message,
		Args:      []any{},
		Timestamp: r.Time,
		Attrs:     make(map[string]any, len(h.attrs)+r.NumAttrs()),
	}

	for _, attr := range h.attrs {
		rec.Attrs[attr.Key] = attrValue(attr.Value)
	}
	r.Attrs(func(attr slog.Attr) bool {
		attr = h.qualify(attr)
		rec.Attrs[attr.Key] = attrValue(attr.Value)
		return true
	})

	return h.shared.write(ctx, rec)
}

// Quit asks the sink to stop.
func (h *ShipHandler) Quit(ctx context.Context) error {
	return h.shared.write(ctx, &frame.Record{
		Name:      h.name,
		Level:     frame.LevelName(LevelCritical),
		Message:   frame.QuitMessage,
		Args:      []any{},
		Timestamp: time.Now(),
	})
}

// Close releases the connection to the sink.
func (h *ShipHandler) Close() error {
	h.shared.lk.Lock()
	defer h.shared.lk.Unlock()
	if h.shared.conn == nil {
		return nil
	}
	err := h.shared.conn.Close()
	h.shared.conn = nil
	return err
}

func (h *ShipHandler) qualify(attr slog.Attr) slog.Attr {
	if len(h.groups) == 0 {
		return attr
	}
	attr.Key = strings.Join(h.groups, ".") + "." + attr.Key
	return attr
}

func (sc *shipConn) write(ctx context.Context, rec *frame.Record) error {
	sc.lk.Lock()
	defer sc.lk.Unlock()

	var err error
	for attempt := 0; attempt < 2; attempt++ {
		if sc.conn == nil {
			sc.conn, err = Dial(ctx, sc.cfg.network, sc.addr, sc.cfg.tlsConf, sc.cfg.dialTimeout)
			if err != nil {
				sc.conn = nil
				continue
			}
		}

		if err = frame.WriteRecord(sc.conn, rec); err == nil {
			return nil
		}
		sc.conn.Close()
		sc.conn = nil
	}
	return fmt.Errorf("%w: %w", ErrDialFailed, err)
}

// attrValue converts v to a value the record encoding can carry.
func attrValue(v slog.Value) any {
	v = v.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return v.Int64()
	case slog.KindUint64:
		return v.Uint64()
	case slog.KindFloat64:
		return v.Float64()
	case slog.KindBool:
		return v.Bool()
	case slog.KindTime:
		return v.Time()
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindGroup:
		group := make(map[string]any, len(v.Group()))
		for _, attr := range v.Group() {
			group[attr.Key] = attrValue(attr.Value)
		}
		return group
	default:
		if err, ok := v.Any().(error); ok {
			return err.Error()
		}
		return fmt.Sprint(v.Any())
	}
}
