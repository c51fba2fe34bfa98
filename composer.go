package protoclient

import (
	"github.com/pkg/errors"
)

type ComposerState uint8

const (
	// StateHeader waits for the remaining header bytes
	StateHeader ComposerState = iota
	// StateBody waits for the remaining payload bytes
	StateBody
	// StateError is terminal until Reset
	StateError
)

func (s ComposerState) String() string {
	switch s {
	case StateHeader:
		return "AwaitingHeader"
	case StateBody:
		return "AwaitingBody"
	case StateError:
		return "Error"
	}
	return "Unknown"
}

// Composer reassembles frames out of an arbitrarily chunked byte stream.
// It is not safe for concurrent use, the owning Client serializes access.
type Composer struct {
	maxFrameSize int
	onFrame      func(*Frame)

	state  ComposerState
	header [HeaderSize]byte
	hn     int // header bytes filled
	h      Header
	body   []byte
	need   uint32 // body bytes still missing
	err    error
}

// bodyChunk caps the up front body allocation, larger bodies grow as bytes arrive
const bodyChunk = 64 << 10

// NewComposer creates a Composer that calls onFrame for every completed frame.
// maxFrameSize <= 0 disables the frame length limit.
func NewComposer(maxFrameSize int, onFrame func(*Frame)) *Composer {
	return &Composer{maxFrameSize: maxFrameSize, onFrame: onFrame}
}

func (c *Composer) State() ComposerState {
	return c.state
}

// Err returns the error that moved the composer into StateError.
func (c *Composer) Err() error {
	return c.err
}

// Buffered returns the number of bytes held for the frame in progress.
func (c *Composer) Buffered() int {
	return c.hn + len(c.body)
}

// Reset discards partial state and returns to StateHeader.
func (c *Composer) Reset() {
	c.state = StateHeader
	c.hn = 0
	c.h = Header{}
	c.body = nil
	c.need = 0
	c.err = nil
}

// Feed consumes data, emitting every frame it completes.
func (c *Composer) Feed(data []byte) error {
	return c.FeedRange(data, 0, len(data))
}

// FeedRange consumes data[offset:end]. end <= 0 means len(data).
func (c *Composer) FeedRange(data []byte, offset, end int) (err error) {
	if c.state == StateError {
		err = errors.Wrap(ErrInvalidState, "composer in error state, reset it first")
		return
	}
	if end <= 0 || end > len(data) {
		end = len(data)
	}
	if offset < 0 || offset > end {
		err = errors.Wrapf(ErrInvalidArgument, "bad range [%d, %d) of %d bytes", offset, end, len(data))
		return
	}

	for offset < end {
		if c.state == StateHeader {
			offset, err = c.readHeader(data, offset, end)
			if err != nil {
				return
			}
		}

		if c.state == StateBody {
			offset = c.readBody(data, offset, end)
		}
	}
	return
}

func (c *Composer) readHeader(data []byte, offset, end int) (int, error) {
	n := copy(c.header[c.hn:], data[offset:end])
	c.hn += n
	offset += n
	if c.hn < HeaderSize {
		return offset, nil
	}

	h := ParseHeader(c.header[:])
	if h.Length < HeaderSize {
		return offset, c.fail(&FrameError{Length: h.Length, Reason: "shorter than header"})
	}
	if c.maxFrameSize > 0 && int64(h.Length) > int64(c.maxFrameSize) {
		return offset, c.fail(&FrameError{Length: h.Length, Reason: "exceeds max frame size"})
	}

	c.h = h
	c.need = h.PayloadLength()
	c.body = make([]byte, 0, min(c.need, bodyChunk))
	c.state = StateBody
	return offset, nil
}

func (c *Composer) readBody(data []byte, offset, end int) int {
	n := end - offset
	if uint64(n) > uint64(c.need) {
		n = int(c.need)
	}
	c.body = append(c.body, data[offset:offset+n]...)
	c.need -= uint32(n)
	offset += n
	if c.need > 0 {
		return offset
	}

	frame := &Frame{Header: c.h, Payload: c.body}
	c.Reset()
	if c.onFrame != nil {
		c.onFrame(frame)
	}
	return offset
}

func (c *Composer) fail(err error) error {
	c.state = StateError
	c.err = err
	c.body = nil
	return err
}
