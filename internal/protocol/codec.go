package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// MaxLineBytes bounds a single envelope on the wire.
const MaxLineBytes = 1 << 20

// Encoder writes envelopes as JSON lines. It is safe for concurrent use.
type Encoder struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{enc: json.NewEncoder(w)}
}

func (e *Encoder) Encode(msg Message) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.enc.Encode(msg); err != nil {
		return fmt.Errorf("write %s message: %w", msg.Type, err)
	}
	return nil
}

// Decoder reads JSON lines. Blank lines are skipped.
type Decoder struct {
	scanner *bufio.Scanner
}

func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineBytes)
	return &Decoder{scanner: scanner}
}

// Decode returns the next envelope, or io.EOF once the stream is closed.
func (d *Decoder) Decode() (Message, error) {
	for d.scanner.Scan() {
		line := d.scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if msg.Type == "" {
			return Message{}, fmt.Errorf("%w: missing type", ErrMalformed)
		}
		return msg, nil
	}
	if err := d.scanner.Err(); err != nil {
		return Message{}, fmt.Errorf("read message: %w", err)
	}
	return Message{}, io.EOF
}
