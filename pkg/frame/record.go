package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
)

const (
	// MaxRecordSize is the largest log record body accepted on the wire.
	MaxRecordSize = 16 << 20

	// QuitMessage ends a log sink when received as a record message.
	QuitMessage = "LOGGER_QUIT"

	recordPrefixSize = 4

	// LevelCritical is above `slog.LevelError`, quit records are sent
	// with it.
	LevelCritical = slog.Level(12)
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encOptions.NilContainers = cbor.NilContainerAsEmpty
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("frame: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType:   reflect.TypeOf(map[string]any(nil)),
		MaxArrayElements: 1 << 16,
		MaxMapPairs:      1 << 16,
	}.DecMode()
	if err != nil {
		panic("frame: CBOR decoder initialization failed: " + err.Error())
	}
}

// Record is one log line shipped to a sink. Level is the level name,
// see `LevelName`.
type Record struct {
	Name      string         `cbor:"name"`
	Level     string         `cbor:"level"`
	Message   string         `cbor:"message"`
	Args      []any          `cbor:"args"`
	Timestamp time.Time      `cbor:"timestamp"`
	Attrs     map[string]any `cbor:"attrs,omitempty"`
}

// SlogLevel parses the level of the record, unknown names are INFO.
func (r *Record) SlogLevel() slog.Level {
	level, err := ParseLevel(r.Level)
	if err != nil {
		return slog.LevelInfo
	}
	return level
}

// IsQuit reports whether the record asks the sink to stop.
func (r *Record) IsQuit() bool {
	return r.Message == QuitMessage
}

// WriteRecord writes rec as a single log frame.
func WriteRecord(w io.Writer, rec *Record) error {
	body, err := encMode.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedRecord, err)
	}

	if len(body) > MaxRecordSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}

	buf := make([]byte, recordPrefixSize, recordPrefixSize+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	_, err = w.Write(append(buf, body...))
	return err
}

// ReadRecord reads the next log frame. Reads may return any number of
// bytes, frames are reassembled.
//
// If fewer than 4 bytes are left for the length prefix, the stream is
// considered over and `io.EOF` is returned.
func ReadRecord(r io.Reader) (*Record, error) {
	var prefix [recordPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, err
	}

	size := binary.BigEndian.Uint32(prefix[:])
	if size > MaxRecordSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	return DecodeRecord(body)
}

// DecodeRecord parses a CBOR record body.
func DecodeRecord(body []byte) (*Record, error) {
	rec := &Record{}
	if err := decMode.Unmarshal(body, rec); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedRecord, err)
	}

	if rec.Args == nil {
		rec.Args = []any{}
	}
	return rec, nil
}

// LevelName is the name a level travels with: "DEBUG", "INFO",
// "WARNING", "ERROR" or "CRITICAL". Levels in between keep the
// `slog.Level` notation, e.g. "INFO+2".
func LevelName(level slog.Level) string {
	switch level {
	case slog.LevelWarn:
		return "WARNING"
	case LevelCritical:
		return "CRITICAL"
	default:
		return level.String()
	}
}

// ParseLevel is the inverse of `LevelName`, case insensitive.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToUpper(name) {
	case "WARNING":
		return slog.LevelWarn, nil
	case "CRITICAL":
		return LevelCritical, nil
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrMalformedRecord, err)
	}
	return level, nil
}
