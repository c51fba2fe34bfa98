package protoclient

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/zhiqiangxu/util"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type ConnState int32

const (
	Disconnected ConnState = iota
	Connecting
	Connected
	Closed
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Closed:
		return "Closed"
	}
	return "Unknown"
}

// DefaultReadSize is the size of the socket read buffer
var DefaultReadSize = 4096

// TCPConn in protoclient's aspect
type TCPConn interface {
	net.Conn
	SetNoDelay(noDelay bool) error
	SetWriteBuffer(bytes int) error
	SetReadBuffer(bytes int) error
}

// Client is a single connection to a server speaking the 18 byte header protocol.
// All state is guarded by one mutex; callbacks and socket writes run outside of it.
type Client struct {
	mu     sync.Mutex
	config ClientConfig
	id     string
	logger *zap.Logger

	state   ConnState
	dialErr error
	rw      net.Conn
	done    chan struct{}

	composer *Composer
	pending  *pendingTable
	queue    []outbound
	writing  bool // a goroutine is draining queue onto the socket
	seqGen   uint32
	ready    []resolved

	// errors seen before the connect callback fired are handed to it instead of OnError
	cbFired  bool
	earlyErr error

	wg    sync.WaitGroup
	group errgroup.Group
	m     *clientMetrics
}

type outbound struct {
	buf  []byte
	call *pendingCall
}

type resolved struct {
	call  *pendingCall
	frame *Frame
}

// NewClient creates a Disconnected client, nothing is dialed until Connect.
func NewClient(config ClientConfig) *Client {
	config.init()
	c := &Client{
		config:  config,
		id:      uuid.NewString(),
		pending: newPendingTable(),
		done:    make(chan struct{}),
	}
	c.logger = config.Logger.With(zap.String("client", c.id), zap.String("addr", config.Addr()))
	c.composer = NewComposer(config.MaxFrameSize, c.dispatch)
	c.m = newClientMetrics(c.id, func() float64 {
		return float64(c.Pending())
	})
	return c
}

func (c *Client) ID() string {
	return c.id
}

func (c *Client) Config() ClientConfig {
	return c.config
}

func (c *Client) State() (s ConnState) {
	c.mu.Lock()
	s = c.state
	c.mu.Unlock()
	return
}

// Pending returns the number of calls waiting for a response.
func (c *Client) Pending() (n int) {
	c.mu.Lock()
	n = c.pending.len()
	c.mu.Unlock()
	return
}

// Metrics exposes the client's counters, e.g. for Set.WritePrometheus.
func (c *Client) Metrics() *metrics.Set {
	return c.m.set
}

func (c *Client) RemoteAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rw == nil {
		return nil
	}
	return c.rw.RemoteAddr()
}

// Connect dials in the background and reports the outcome to cb.
// A failed dial leaves the client Disconnected and unusable, there is no retry.
func (c *Client) Connect(cb func(error)) (err error) {
	c.mu.Lock()
	switch {
	case c.state == Closed:
		err = ErrAlreadyClosed
	case c.state == Connecting || c.state == Connected:
		err = ErrAlreadyConnected
	case c.dialErr != nil:
		err = errors.Wrap(ErrInvalidState, "connect failed before, create a new client")
	default:
		c.state = Connecting
	}
	c.mu.Unlock()
	if err != nil {
		return
	}

	util.GoFunc(&c.wg, func() {
		c.connect(cb)
	})
	return
}

// ConnectContext is a blocking Connect. The client is closed if ctx is done first.
func (c *Client) ConnectContext(ctx context.Context) (err error) {
	ch := make(chan error, 1)
	err = c.Connect(func(err error) {
		ch <- err
	})
	if err != nil {
		return
	}

	select {
	case err = <-ch:
	case <-ctx.Done():
		c.Close()
		err = ctx.Err()
	}
	return
}

func (c *Client) dial() (rw net.Conn, err error) {
	if c.config.Dial != nil {
		rw, err = c.config.Dial("tcp", c.config.Addr())
	} else {
		dialer := net.Dialer{Timeout: c.config.DialTimeout}
		rw, err = dialer.Dial("tcp", c.config.Addr())
	}
	if err != nil {
		return
	}

	tc, ok := rw.(TCPConn)
	if !ok {
		return
	}
	if c.config.Wbuf > 0 {
		if err = tc.SetWriteBuffer(c.config.Wbuf); err != nil {
			rw.Close()
			return
		}
	}
	if c.config.Rbuf > 0 {
		if err = tc.SetReadBuffer(c.config.Rbuf); err != nil {
			rw.Close()
			return
		}
	}
	return
}

func (c *Client) connect(cb func(error)) {
	rw, err := c.dial()

	c.mu.Lock()
	if err != nil {
		c.dialErr = err
		if c.state != Closed {
			c.state = Disconnected
		}
		c.mu.Unlock()

		c.m.transportErrs.Inc()
		err = asTransport(errors.Wrapf(err, "connect to %s", c.config.Addr()))
		c.logger.Error("protoclient: connect failed", zap.Error(err))
		invokeConnect(cb, err)
		return
	}
	if c.state == Closed {
		c.mu.Unlock()
		rw.Close()
		invokeConnect(cb, ErrAlreadyClosed)
		return
	}
	c.rw = rw
	c.state = Connected
	c.group.Go(func() error {
		return c.readLoop(rw)
	})
	if c.config.BatchSends {
		c.group.Go(c.flushLoop)
	}
	c.mu.Unlock()

	c.logger.Info("protoclient: connected", zap.Bool("batch", c.config.BatchSends))

	c.mu.Lock()
	c.cbFired = true
	err = c.earlyErr
	c.earlyErr = nil
	c.mu.Unlock()
	invokeConnect(cb, err)
}

func invokeConnect(cb func(error), err error) {
	if cb != nil {
		cb(err)
	}
}

// Send writes or queues one request frame. cb is invoked exactly once, with the
// response or with an error such as *TimeoutError. A nil cb sends without waiting.
func (c *Client) Send(recipient uint32, command uint16, payload []byte, cb Callback) (err error) {
	_, err = c.send(recipient, command, payload, cb)
	return
}

func (c *Client) send(recipient uint32, command uint16, payload []byte, cb Callback) (call *pendingCall, err error) {
	c.mu.Lock()
	call, err = c.enqueue(recipient, command, payload, cb)
	c.mu.Unlock()
	if err != nil || c.config.BatchSends {
		return
	}

	if err = c.drain(call); err != nil {
		call = nil
	}
	return
}

// enqueue registers cb and appends the encoded frame to the outbound queue, caller holds c.mu
func (c *Client) enqueue(recipient uint32, command uint16, payload []byte, cb Callback) (call *pendingCall, err error) {
	switch c.state {
	case Closed:
		err = ErrAlreadyClosed
		return
	case Connected:
	default:
		err = ErrNotConnected
		return
	}

	h := Header{Recipient: recipient, Command: command}
	key := uint64(command)
	if c.config.Correlation == CorrelateBySequence {
		c.seqGen++
		if c.seqGen == 0 {
			c.seqGen = 1
		}
		h.Sequence = c.seqGen
		key = uint64(h.Sequence)
	}

	buf, err := EncodeFrame(h, payload, c.config.MaxPayloadSize)
	if err != nil {
		return
	}

	if cb != nil {
		call = &pendingCall{key: key, command: command, sequence: h.Sequence, cb: cb}
		if replaced := c.pending.add(call, c.config.CallTimeout, c.onTimeout); replaced != nil {
			c.logger.Debug("protoclient: pending call overwritten", zap.Uint16("cmd", command), zap.Uint64("key", key))
		}
	}

	c.queue = append(c.queue, outbound{buf: buf, call: call})
	return
}

// Call sends a request and waits for its response. Cancelling ctx drops the pending call.
func (c *Client) Call(ctx context.Context, recipient uint32, command uint16, payload []byte) (frame *Frame, err error) {
	type result struct {
		err     error
		h       *Header
		payload []byte
	}
	ch := make(chan result, 1)
	call, err := c.send(recipient, command, payload, func(err error, h *Header, payload []byte) {
		ch <- result{err: err, h: h, payload: payload}
	})
	if err != nil {
		return
	}

	var r result
	select {
	case r = <-ch:
	case <-ctx.Done():
		if c.cancel(call) {
			err = ctx.Err()
			return
		}
		r = <-ch
	}
	if r.err != nil {
		err = r.err
		return
	}
	frame = &Frame{Header: *r.h, Payload: r.payload}
	return
}

// cancel drops a pending call without invoking its callback.
// It reports false if the call was already settled.
func (c *Client) cancel(call *pendingCall) (ok bool) {
	if call == nil {
		return
	}
	c.mu.Lock()
	ok = c.pending.cancel(call)
	c.mu.Unlock()
	return
}

// write runs without c.mu, so Close can end a write blocked on a peer that stopped reading.
func (c *Client) write(rw net.Conn, buf []byte) (err error) {
	if wto := c.config.WriteTimeout; wto > 0 {
		if err = rw.SetWriteDeadline(time.Now().Add(wto)); err != nil {
			err = asTransport(errors.Wrap(err, "set write deadline"))
			return
		}
	}
	_, err = rw.Write(buf)
	if err != nil {
		c.m.transportErrs.Inc()
		err = asTransport(errors.Wrap(err, "write"))
		c.logger.Error("protoclient: write error", zap.Error(err))
		return
	}
	c.m.bytesSent.Add(len(buf))
	return
}

// drain writes the outbound queue until it is empty, each round with a single write
// in submission order. Only one goroutine drains at a time, the others return at once
// and leave their frames to it.
// If own is in a batch that fails, the error is returned and own is dropped without
// its callback. Every other call of that batch gets the error through its callback.
func (c *Client) drain(own *pendingCall) (err error) {
	var (
		failed []*pendingCall
		werr   error
	)

	c.mu.Lock()
	if c.writing {
		c.mu.Unlock()
		return
	}
	c.writing = true
	for c.state == Connected && len(c.queue) > 0 {
		batch := c.queue
		c.queue = nil
		rw := c.rw
		c.mu.Unlock()

		buf := batch[0].buf
		if len(batch) > 1 {
			size := 0
			for _, o := range batch {
				size += len(o.buf)
			}
			buf = make([]byte, 0, size)
			for _, o := range batch {
				buf = append(buf, o.buf...)
			}
		}
		werr = c.write(rw, buf)

		c.mu.Lock()
		if werr == nil {
			c.m.framesSent.Add(len(batch))
			continue
		}
		for _, o := range batch {
			if o.call == nil || !c.pending.cancel(o.call) {
				continue
			}
			if o.call == own {
				err = werr
			} else {
				failed = append(failed, o.call)
			}
		}
		if own == nil {
			err = werr
		}
		break
	}
	c.writing = false
	c.mu.Unlock()

	for _, call := range failed {
		call.cb(werr, nil, nil)
	}
	return
}

func (c *Client) flushLoop() error {
	ticker := time.NewTicker(c.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return nil
		case <-ticker.C:
			if err := c.flush(); err != nil {
				c.reportError(err)
			}
		}
	}
}

// flush writes the whole outbound queue with a single write, in submission order.
func (c *Client) flush() error {
	c.mu.Lock()
	empty := len(c.queue) == 0
	c.mu.Unlock()
	if empty {
		return nil
	}

	c.m.flushes.Inc()
	return c.drain(nil)
}

func (c *Client) readLoop(rw net.Conn) (err error) {
	buf := make([]byte, DefaultReadSize)
	for {
		var n int
		n, err = rw.Read(buf)
		if n > 0 {
			if ferr := c.feed(buf[:n]); ferr != nil {
				c.m.transportErrs.Inc()
				err = asTransport(ferr)
				c.logger.Error("protoclient: stop reading corrupted stream", zap.Error(err))
				c.reportError(err)
				return
			}
		}
		if err == nil {
			continue
		}

		if c.State() == Closed {
			err = nil
			return
		}
		if err == io.EOF {
			c.logger.Info("protoclient: connection ended by peer")
			if c.config.OnClose != nil {
				c.config.OnClose(c, nil)
			}
			err = nil
			return
		}
		c.m.transportErrs.Inc()
		err = asTransport(errors.Wrap(err, "read"))
		c.reportError(err)
		return
	}
}

func (c *Client) reportError(err error) {
	c.mu.Lock()
	if !c.cbFired {
		if c.earlyErr == nil {
			c.earlyErr = err
		}
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if c.config.OnError != nil {
		c.config.OnError(c, err)
		return
	}
	c.logger.Error("protoclient: connection error", zap.Error(err))
}

// feed runs the composer under the lock and the resolved callbacks after it.
func (c *Client) feed(data []byte) (err error) {
	c.mu.Lock()
	c.m.bytesReceived.Add(len(data))
	err = c.composer.Feed(data)
	ready := c.ready
	c.ready = nil
	c.mu.Unlock()

	for _, r := range ready {
		r.call.cb(nil, &r.frame.Header, r.frame.Payload)
	}
	return
}

// dispatch is the composer's frame handler, caller holds c.mu
func (c *Client) dispatch(frame *Frame) {
	c.m.framesReceived.Inc()
	c.logger.Debug("protoclient: recv msg",
		zap.Uint32("len", frame.Length),
		zap.Uint32("seq", frame.Sequence),
		zap.Uint16("cmd", frame.Command),
		zap.Uint32("ret", frame.Result),
		zap.Uint32("uid", frame.Recipient))

	key := uint64(frame.Command)
	if c.config.Correlation == CorrelateBySequence {
		key = uint64(frame.Sequence)
	}
	call := c.pending.take(key)
	if call == nil {
		c.m.framesDropped.Inc()
		c.logger.Debug("protoclient: dropped response", zap.Uint16("cmd", frame.Command), zap.Uint64("key", key))
		return
	}
	c.ready = append(c.ready, resolved{call: call, frame: frame})
}

func (c *Client) onTimeout(call *pendingCall) {
	c.mu.Lock()
	ok := c.pending.expire(call)
	c.mu.Unlock()
	if !ok {
		return
	}

	c.m.timeouts.Inc()
	err := &TimeoutError{Command: call.command, Sequence: call.sequence, After: c.config.CallTimeout}
	c.logger.Warn("protoclient: pkg callback timeout", zap.Uint16("cmd", call.command), zap.Uint32("seq", call.sequence))
	call.cb(err, nil, nil)
}

// Close stops the flush ticker and ends the socket. Pending calls are left to time out.
// Closing a closed client is a no-op.
func (c *Client) Close() (err error) {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return
	}
	c.state = Closed
	close(c.done)
	rw := c.rw
	dropped := len(c.queue)
	c.queue = nil
	pending := c.pending.keys()
	c.mu.Unlock()

	if rw != nil {
		if err = rw.Close(); err != nil {
			err = asTransport(errors.Wrap(err, "close"))
			c.logger.Error("protoclient: Client.Close error", zap.Error(err))
		}
	}
	c.logger.Info("protoclient: closed", zap.Int("unflushed", dropped), zap.Uint64s("pending", pending))
	return
}

// Wait blocks until the background goroutines exit and returns the first loop error.
// Do not call it from a callback.
func (c *Client) Wait() error {
	c.wg.Wait()
	return c.group.Wait()
}
