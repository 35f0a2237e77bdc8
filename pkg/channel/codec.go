package channel

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrMalformedFrame is returned by Decode for a line that is not a message.
var ErrMalformedFrame = errors.New("malformed event frame")

// Decoder reads newline-delimited JSON messages from a stream.
type Decoder struct {
	r *bufio.Scanner
}

// NewDecoder creates a decoder over r.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	const maxCapacity = 4 * 1024 * 1024
	scanner.Buffer(make([]byte, 64*1024), maxCapacity)
	return &Decoder{r: scanner}
}

// Decode reads the next message. Blank lines are skipped. It returns io.EOF
// when the stream ends.
func (d *Decoder) Decode() (*Message, error) {
	for d.r.Scan() {
		line := bytes.TrimSpace(d.r.Bytes())
		if len(line) == 0 {
			continue
		}

		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		if msg.Topic == "" {
			return nil, fmt.Errorf("%w: missing topic", ErrMalformedFrame)
		}
		return &msg, nil
	}

	if err := d.r.Err(); err != nil {
		return nil, fmt.Errorf("scan error: %w", err)
	}
	return nil, io.EOF
}

// Encoder writes newline-delimited JSON messages.
type Encoder struct {
	w *bufio.Writer
}

// NewEncoder creates an encoder over w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

// Encode writes one message and flushes it.
func (e *Encoder) Encode(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if _, err := e.w.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := e.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	return e.w.Flush()
}

// Pump decodes messages from r and publishes them on b until the stream ends
// or ctx is done. Malformed lines are logged and skipped.
func (b *Broker) Pump(ctx context.Context, r io.Reader) error {
	dec := NewDecoder(r)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if errors.Is(err, ErrMalformedFrame) {
				b.logger.Warn().Err(err).Msg("Skipping malformed event frame")
				continue
			}
			return err
		}

		if err := b.PublishMessage(*msg); err != nil {
			b.logger.Warn().Err(err).Str("topic", msg.Topic).Msg("Failed to publish event frame")
		}
	}
}
