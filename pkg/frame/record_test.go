package frame

import (
	"bytes"
	"encoding/binary"
	"io"
	"log/slog"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/require"
)

// splitReader hands out the length prefix and the body in separate reads.
type splitReader struct {
	chunks [][]byte
}

func (s *splitReader) Read(p []byte) (int, error) {
	for len(s.chunks) > 0 && len(s.chunks[0]) == 0 {
		s.chunks = s.chunks[1:]
	}
	if len(s.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, s.chunks[0])
	s.chunks[0] = s.chunks[0][n:]
	return n, nil
}

func TestRecord_RoundTrip(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 123456789, time.UTC)
	rec := &Record{
		Name:      "dp_server",
		Level:     LevelName(slog.LevelWarn),
		Message:   "client a disconnected",
		Args:      []any{"a", int64(3)},
		Timestamp: ts,
		Attrs:     map[string]any{"peer": "127.0.0.1:5000"},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteRecord(&buf, rec))

	got, err := ReadRecord(iotest.OneByteReader(&buf))
	require.NoError(t, err)
	require.Equal(t, rec.Name, got.Name)
	require.Equal(t, rec.Level, got.Level)
	require.Equal(t, rec.Message, got.Message)
	require.True(t, rec.Timestamp.Equal(got.Timestamp))
	require.Len(t, got.Args, 2)
	require.Equal(t, "a", got.Args[0])
	require.EqualValues(t, 3, got.Args[1])
	require.Equal(t, "127.0.0.1:5000", got.Attrs["peer"])

	_, err = ReadRecord(&buf)
	require.ErrorIs(t, err, io.EOF)
}

func TestRecord_RoundTripSplitReads(t *testing.T) {
	ts := time.Date(2025, 1, 2, 3, 4, 5, 6, time.UTC)
	rec := &Record{
		Name:      "x",
		Level:     "INFO",
		Message:   "hello",
		Args:      []any{},
		Timestamp: ts,
	}

	var buf bytes.Buffer
	require.NoError(t, WriteRecord(&buf, rec))
	raw := buf.Bytes()

	// the prefix itself arrives in two reads, then the body byte by byte.
	r := &splitReader{chunks: [][]byte{raw[:1], raw[1:4]}}
	got, err := ReadRecord(io.MultiReader(r, iotest.OneByteReader(bytes.NewReader(raw[4:]))))
	require.NoError(t, err)

	require.Equal(t, "x", got.Name)
	require.Equal(t, "INFO", got.Level)
	require.Equal(t, slog.LevelInfo, got.SlogLevel())
	require.Equal(t, "hello", got.Message)
	require.Equal(t, []any{}, got.Args)
	require.True(t, ts.Equal(got.Timestamp))
	require.Nil(t, got.Attrs)
}

func TestLevelName(t *testing.T) {
	tests := []struct {
		level slog.Level
		name  string
	}{
		{slog.LevelDebug, "DEBUG"},
		{slog.LevelInfo, "INFO"},
		{slog.LevelWarn, "WARNING"},
		{slog.LevelError, "ERROR"},
		{LevelCritical, "CRITICAL"},
		{slog.LevelInfo + 2, "INFO+2"},
	}

	for _, tt := range tests {
		require.Equal(t, tt.name, LevelName(tt.level))
		level, err := ParseLevel(tt.name)
		require.NoError(t, err)
		require.Equal(t, tt.level, level)
	}

	level, err := ParseLevel("warn")
	require.NoError(t, err)
	require.Equal(t, slog.LevelWarn, level)

	_, err = ParseLevel("LOUD")
	require.ErrorIs(t, err, ErrMalformedRecord)
	require.Equal(t, slog.LevelInfo, (&Record{Level: "LOUD"}).SlogLevel())
}

func TestRecord_SplitPrefixAndBody(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteRecord(&buf, &Record{Message: "first"}))
	require.NoError(t, WriteRecord(&buf, &Record{Message: QuitMessage}))

	raw := buf.Bytes()
	firstLen := 4 + int(binary.BigEndian.Uint32(raw[:4]))
	r := &splitReader{chunks: [][]byte{
		raw[:2], raw[2:4], raw[4:firstLen],
		raw[firstLen : firstLen+4], raw[firstLen+4:],
	}}

	first, err := ReadRecord(r)
	require.NoError(t, err)
	require.Equal(t, "first", first.Message)
	require.NotNil(t, first.Args, "args must never be nil")
	require.False(t, first.IsQuit())

	quit, err := ReadRecord(r)
	require.NoError(t, err)
	require.True(t, quit.IsQuit())
}

func TestRecord_ShortPrefixIsEOF(t *testing.T) {
	_, err := ReadRecord(bytes.NewReader([]byte{0, 0}))
	require.ErrorIs(t, err, io.EOF)

	_, err = ReadRecord(bytes.NewReader(nil))
	require.ErrorIs(t, err, io.EOF)
}

func TestRecord_Errors(t *testing.T) {
	t.Run("truncated body", func(t *testing.T) {
		_, err := ReadRecord(bytes.NewReader([]byte{0, 0, 0, 10, 1, 2}))
		require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})

	t.Run("too large", func(t *testing.T) {
		var prefix [4]byte
		binary.BigEndian.PutUint32(prefix[:], MaxRecordSize+1)
		_, err := ReadRecord(bytes.NewReader(prefix[:]))
		require.ErrorIs(t, err, ErrFrameTooLarge)
	})

	t.Run("garbage body", func(t *testing.T) {
		_, err := ReadRecord(bytes.NewReader([]byte{0, 0, 0, 2, 0xff, 0xff}))
		require.ErrorIs(t, err, ErrMalformedRecord)
	})
}
