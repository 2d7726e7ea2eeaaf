package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// MaxLineSize bounds a single protocol line.
const MaxLineSize = 10 * 1024 * 1024

// Encoder writes one message per line. It is safe for concurrent use so
// progress events and results can share a stream.
type Encoder struct {
	mu  sync.Mutex
	w   *bufio.Writer
	now func() time.Time
}

// NewEncoder creates an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w), now: time.Now}
}

// Encode writes a message and flushes it.
func (e *Encoder) Encode(msgType MessageType, data interface{}) error {
	if err := msgType.Validate(); err != nil {
		return err
	}

	var raw []byte
	if data != nil {
		var err error
		raw, err = json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal data: %w", err)
		}
	}

	line, err := json.Marshal(Message{Type: msgType, Timestamp: e.now().UTC(), Data: raw})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := e.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	return nil
}

// EncodeReady sends a READY message.
func (e *Encoder) EncodeReady(ready *ReadyMessage) error {
	return e.Encode(MessageTypeReady, ready)
}

// EncodeJob validates and sends a JOB message.
func (e *Encoder) EncodeJob(job *JobMessage) error {
	if err := job.Validate(); err != nil {
		return err
	}
	return e.Encode(MessageTypeJob, job)
}

// EncodeEvent validates and sends an EVENT message.
func (e *Encoder) EncodeEvent(event *EventMessage) error {
	if err := event.Validate(); err != nil {
		return err
	}
	return e.Encode(MessageTypeEvent, event)
}

// EncodeDone sends a DONE message.
func (e *Encoder) EncodeDone(done *DoneMessage) error {
	return e.Encode(MessageTypeDone, done)
}

// EncodeError sends an ERROR message.
func (e *Encoder) EncodeError(msg *ErrorMessage) error {
	return e.Encode(MessageTypeError, msg)
}

// EncodeExit sends an EXIT message.
func (e *Encoder) EncodeExit(exit *ExitMessage) error {
	return e.Encode(MessageTypeExit, exit)
}

// Decoder reads one message per line.
type Decoder struct {
	r *bufio.Scanner
}

// NewDecoder creates a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), MaxLineSize)
	return &Decoder{r: scanner}
}

// Decode reads the next message. Blank lines are skipped. It returns
// io.EOF when the stream ends cleanly.
func (d *Decoder) Decode() (*Message, error) {
	for {
		if !d.r.Scan() {
			if err := d.r.Err(); err != nil {
				return nil, fmt.Errorf("scan error: %w", err)
			}
			return nil, io.EOF
		}
		line := d.r.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal message: %w", err)
		}
		if err := msg.Type.Validate(); err != nil {
			return nil, err
		}
		return &msg, nil
	}
}

// DecodeJob reads the next message and requires it to be a valid JOB.
// A JOB that fails validation is returned along with the error so the
// caller can report it against the job ID.
func (d *Decoder) DecodeJob() (*JobMessage, error) {
	msg, err := d.Decode()
	if err != nil {
		return nil, err
	}
	if msg.Type != MessageTypeJob {
		return nil, fmt.Errorf("expected JOB message, got %s", msg.Type)
	}

	var job JobMessage
	if err := json.Unmarshal(msg.Data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	if err := job.Validate(); err != nil {
		return &job, err
	}
	return &job, nil
}

// Unpack decodes the message payload into target.
func (m *Message) Unpack(target interface{}) error {
	if len(m.Data) == 0 {
		return errors.New("message has no data")
	}
	if err := json.Unmarshal(m.Data, target); err != nil {
		return fmt.Errorf("failed to unmarshal %s data: %w", m.Type, err)
	}
	return nil
}

// ParseParams decodes job parameters into target.
func ParseParams(params json.RawMessage, target interface{}) error {
	if err := json.Unmarshal(params, target); err != nil {
		return fmt.Errorf("failed to parse params: %w", err)
	}
	return nil
}
