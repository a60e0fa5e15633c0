package pylon

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Receiver defaults.
const (
	DefaultBufferSize     = 1024
	DefaultReceiveTimeout = 2 * time.Second
	DefaultPollInterval   = 5 * time.Millisecond

	// maxDrainReads bounds the reads spent discarding stale input before a Send.
	maxDrainReads = 64
)

// Status is the state of a FrameReceiver.
type Status int

// Receiver states. Idle is both the initial state and the state every
// exchange returns to.
const (
	Idle Status = iota
	Receiving
	MessageReceived
	Overflow
	Timeout
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Receiving:
		return "receiving"
	case MessageReceived:
		return "message received"
	case Overflow:
		return "overflow"
	case Timeout:
		return "timeout"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Handler is notified about the outcome of each exchange. It is invoked
// from Receive before the receiver returns to Idle.
type Handler interface {
	Complete(r *FrameReceiver)
	Overflow(r *FrameReceiver)
	Timeout(r *FrameReceiver)
}

// FrameReceiver runs half-duplex request/response exchanges over a stream.
// A frame starts at '~' and ends at '\r'; bytes outside a frame are dropped.
type FrameReceiver struct {
	// PollInterval is the pause after a read that returned no data.
	PollInterval time.Duration

	stream  io.ReadWriter
	handler Handler

	mu     sync.Mutex
	status Status
	token  CommandToken
	err    error

	buf     []byte
	n       int
	started bool
}

// NewFrameReceiver creates a receiver with a buffer of size bytes.
// A non-positive size uses DefaultBufferSize.
func NewFrameReceiver(stream io.ReadWriter, size int) *FrameReceiver {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &FrameReceiver{
		PollInterval: DefaultPollInterval,
		stream:       stream,
		buf:          make([]byte, size),
	}
}

// SetHandler installs the outcome handler.
func (r *FrameReceiver) SetHandler(h Handler) {
	r.handler = h
}

// Status returns the current state.
func (r *FrameReceiver) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *FrameReceiver) setStatus(s Status) {
	r.mu.Lock()
	r.status = s
	r.mu.Unlock()
}

// Err returns the last stream error, cleared by a successful Send.
func (r *FrameReceiver) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// inputResetter is implemented by serial ports that can flush their OS
// receive buffer, such as go.bug.st/serial ports.
type inputResetter interface {
	ResetInputBuffer() error
}

// Send discards input left over from earlier exchanges, writes frame and
// starts an exchange for token. It is rejected unless the receiver is Idle.
func (r *FrameReceiver) Send(token CommandToken, frame []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status != Idle {
		log.Warnf("Serial: %s rejected, %s still %s", token, r.token, r.status)
		return fmt.Errorf("%w: %s pending, %s rejected", ErrOutOfSequence, r.token, token)
	}
	r.discardInput()
	if _, err := r.stream.Write(frame); err != nil {
		r.err = err
		return fmt.Errorf("write %s: %w", token, err)
	}
	log.Debugf("TX: %q", frame)
	r.token, r.err = token, nil
	r.n, r.started = 0, false
	r.status = Receiving
	return nil
}

// discardInput drops bytes that arrived after the previous exchange ended,
// e.g. a response that missed its deadline.
func (r *FrameReceiver) discardInput() {
	if rs, ok := r.stream.(inputResetter); ok {
		if err := rs.ResetInputBuffer(); err == nil {
			return
		}
	}
	chunk := make([]byte, 64)
	dropped := 0
	for i := 0; i < maxDrainReads; i++ {
		n, err := r.stream.Read(chunk)
		dropped += n
		if n == 0 || err != nil {
			break
		}
	}
	if dropped > 0 {
		log.Debugf("Serial: discarded %d stale bytes", dropped)
	}
}

// Receive blocks until the pending exchange ends with a complete frame,
// an overflow or the timeout, notifies the handler and returns the outcome.
// It returns the current status right away if no exchange is pending.
func (r *FrameReceiver) Receive(timeout time.Duration) Status {
	if s := r.Status(); s != Receiving {
		return s
	}
	if timeout <= 0 {
		timeout = DefaultReceiveTimeout
	}
	deadline := time.Now().Add(timeout)
	chunk := make([]byte, 64)

	for {
		if time.Now().After(deadline) {
			return r.finish(Timeout)
		}
		n, err := r.stream.Read(chunk)
		for _, b := range chunk[:n] {
			if s, done := r.consume(b); done {
				return r.finish(s)
			}
		}
		if err != nil && !errors.Is(err, io.EOF) {
			log.Errorf("Serial: read failed: %v", err)
			r.mu.Lock()
			r.err = err
			r.mu.Unlock()
			return r.finish(Timeout)
		}
		if n == 0 {
			time.Sleep(r.PollInterval)
		}
	}
}

// consume appends one byte and reports whether the exchange ended.
func (r *FrameReceiver) consume(b byte) (Status, bool) {
	if b == StartMarker {
		if r.started {
			log.Debugf("Serial: start marker inside frame, resynchronizing")
		}
		r.started = true
		r.buf[0], r.n = b, 1
		return Receiving, false
	}
	if !r.started {
		return Receiving, false
	}
	if b == EndMarker {
		return MessageReceived, true
	}
	if r.n >= len(r.buf) {
		return Overflow, true
	}
	r.buf[r.n] = b
	r.n++
	return Receiving, false
}

func (r *FrameReceiver) finish(s Status) Status {
	r.setStatus(s)
	if r.handler != nil {
		switch s {
		case MessageReceived:
			r.handler.Complete(r)
		case Overflow:
			r.handler.Overflow(r)
		case Timeout:
			r.handler.Timeout(r)
		}
	}
	r.n, r.started = 0, false
	r.setStatus(Idle)
	return s
}

// Content returns the received frame including the start marker. It is
// only valid inside Handler.Complete.
func (r *FrameReceiver) Content() []byte {
	if r.Status() != MessageReceived {
		return nil
	}
	return r.buf[:r.n]
}

// ContentLength returns len(Content()).
func (r *FrameReceiver) ContentLength() int {
	return len(r.Content())
}

// Token returns the command of the current or last exchange.
func (r *FrameReceiver) Token() CommandToken {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.token
}
