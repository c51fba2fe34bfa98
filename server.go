package protoclient

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/zhiqiangxu/util"
	"go.uber.org/zap"
)

// ResponseWriter is handed to a Handler for every inbound frame.
type ResponseWriter interface {
	// Reply answers req, echoing its command, sequence and recipient
	Reply(req *Frame, payload []byte) error
	// WriteFrame writes an arbitrary frame, h.Length is computed
	WriteFrame(h Header, payload []byte) error
	Close() error
	RemoteAddr() net.Addr
}

// Server accepts connections speaking the same framing as Client.
// It serves tests and the prototester serve command.
type Server struct {
	ctx        context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	ln         net.Listener
	config     ServerConfig

	mu    sync.Mutex
	conns map[*serverConn]struct{}
}

type ServerConfig struct {
	// MaxFrameSize limits inbound frames, 0 means unlimited
	MaxFrameSize int
	Logger       *zap.Logger
}

func newServer(ln net.Listener, config ServerConfig) *Server {
	if config.Logger == nil {
		config.Logger = l
	}
	ctx, cancelFunc := context.WithCancel(context.Background())
	return &Server{ln: ln, ctx: ctx, cancelFunc: cancelFunc, config: config, conns: make(map[*serverConn]struct{})}
}

func ListenTCP(address string, config ServerConfig) (s *Server, err error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return
	}

	s = newServer(ln, config)
	return
}

func ListenAndServeTCP(address string, h Handler, config ServerConfig) (err error) {
	s, err := ListenTCP(address, config)
	if err != nil {
		return
	}

	s.Serve(h)
	return
}

func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Serve accepts in the background until Shutdown.
func (s *Server) Serve(h Handler) {
	logger := s.config.Logger
	util.GoFunc(&s.wg, func() {
		var tempDelay time.Duration // how long to sleep on accept failure
		for {
			rw, err := s.ln.Accept()
			if err == nil {
				tempDelay = 0

				sc := s.track(rw)
				if sc == nil {
					rw.Close()
					return
				}
				util.GoFunc(&s.wg, func() {
					sc.serve(h)
					s.untrack(sc)
				})
				continue
			}

			select {
			case <-s.ctx.Done():
				return
			default:
			}

			// handle error
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := 1 * time.Second; tempDelay > max {
					tempDelay = max
				}
				logger.Error("protoclient: Accept", zap.Duration("retrying in", tempDelay), zap.Error(err))
				time.Sleep(tempDelay)
				continue
			}
			logger.Error("protoclient: Accept fatal", zap.Error(err)) // accept4: too many open files in system
			time.Sleep(time.Second)                                   // keep trying instead of quit
		}
	})
}

func (s *Server) track(rw net.Conn) *serverConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return nil
	}
	sc := &serverConn{rw: rw, server: s}
	s.conns[sc] = struct{}{}
	return sc
}

func (s *Server) untrack(sc *serverConn) {
	s.mu.Lock()
	delete(s.conns, sc)
	s.mu.Unlock()
}

// Shutdown stops accepting, closes every live connection and waits for their goroutines.
func (s *Server) Shutdown() (err error) {
	s.mu.Lock()
	s.cancelFunc()
	conns := s.conns
	s.conns = make(map[*serverConn]struct{})
	s.mu.Unlock()

	err = s.ln.Close()
	for sc := range conns {
		sc.Close()
	}

	s.wg.Wait()
	return
}

func (s *Server) GetCtx() context.Context {
	return s.ctx
}

type serverConn struct {
	wmu    sync.Mutex
	rw     net.Conn
	server *Server
}

func (sc *serverConn) serve(h Handler) {
	logger := sc.server.config.Logger.With(zap.Stringer("remote", sc.rw.RemoteAddr()))
	defer sc.rw.Close()

	composer := NewComposer(sc.server.config.MaxFrameSize, func(frame *Frame) {
		util.GoFunc(&sc.server.wg, func() {
			h.ServeFrame(sc, frame)
		})
	})

	buf := make([]byte, DefaultReadSize)
	for {
		n, err := sc.rw.Read(buf)
		if n > 0 {
			if ferr := composer.Feed(buf[:n]); ferr != nil {
				logger.Error("protoclient: bad frame from client", zap.Error(ferr))
				return
			}
		}
		if err != nil {
			logger.Debug("protoclient: connection done", zap.Error(err))
			return
		}
	}
}

func (sc *serverConn) Reply(req *Frame, payload []byte) error {
	return sc.WriteFrame(Header{Sequence: req.Sequence, Command: req.Command, Recipient: req.Recipient}, payload)
}

func (sc *serverConn) WriteFrame(h Header, payload []byte) (err error) {
	if uint64(len(payload))+HeaderSize > MaxFrameLength {
		return errors.Wrapf(ErrInvalidArgument, "payload length %d not representable", len(payload))
	}
	h.Length = uint32(HeaderSize + len(payload))

	var header [HeaderSize]byte
	PutHeader(header[:], h)
	buffs := net.Buffers{header[:], payload}

	sc.wmu.Lock()
	_, err = buffs.WriteTo(sc.rw)
	sc.wmu.Unlock()
	return
}

func (sc *serverConn) Close() error {
	return sc.rw.Close()
}

func (sc *serverConn) RemoteAddr() net.Addr {
	return sc.rw.RemoteAddr()
}

