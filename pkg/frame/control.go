// Package frame implements the two wire formats spoken by drumpond.
//
// Control frames carry relay messages: an unsigned varint length followed
// by a JSON body. Log frames carry log records: a big-endian uint32 length
// followed by a CBOR body.
package frame

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// MaxControlSize is the largest control body accepted on the wire.
const MaxControlSize = 1 << 20

var (
	ErrFrameTooLarge    = errors.New("frame: frame is too large")
	ErrMalformedMessage = errors.New("frame: malformed message")
	ErrMalformedRecord  = errors.New("frame: malformed log record")
)

// AppendControl appends the framed form of body to dst.
func AppendControl(dst, body []byte) []byte {
	dst = protowire.AppendVarint(dst, uint64(len(body)))
	return append(dst, body...)
}

// WriteControl writes body as a single control frame.
// The frame is written with one call to w.Write so concurrent writers
// holding their own lock never interleave partial frames.
func WriteControl(w io.Writer, body []byte) error {
	if len(body) > MaxControlSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}

	buf := make([]byte, 0, binary.MaxVarintLen64+len(body))
	_, err := w.Write(AppendControl(buf, body))
	return err
}

// ReadControl reads the body of the next control frame.
//
// It returns `io.EOF` only if the stream ended before the first byte of a
// frame. A stream ending inside a frame yields `io.ErrUnexpectedEOF`.
func ReadControl(r *bufio.Reader) ([]byte, error) {
	buf := make([]byte, 0, binary.MaxVarintLen64)
	for {
		b, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) && len(buf) > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}

		buf = append(buf, b)
		if b < 0x80 {
			break
		}
		if len(buf) == binary.MaxVarintLen64 {
			return nil, fmt.Errorf("%w: length prefix overflows", ErrMalformedMessage)
		}
	}

	size, n := protowire.ConsumeVarint(buf)
	if err := protowire.ParseError(n); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}

	if size > MaxControlSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	return body, nil
}

// ControlCodec moves raw control bodies over a flow.
type ControlCodec struct{}

func (ControlCodec) Encode(w io.Writer, body []byte) error {
	return WriteControl(w, body)
}

func (ControlCodec) Decode(r *bufio.Reader) ([]byte, error) {
	return ReadControl(r)
}
