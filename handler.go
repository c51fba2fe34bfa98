package protoclient

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// A Handler responds to a frame received by Server.
type Handler interface {
	ServeFrame(w ResponseWriter, frame *Frame)
}

type HandlerFunc func(w ResponseWriter, frame *Frame)

func (f HandlerFunc) ServeFrame(w ResponseWriter, frame *Frame) {
	f(w, frame)
}

// Echo replies with the request payload.
var Echo = HandlerFunc(func(w ResponseWriter, frame *Frame) {
	if err := w.Reply(frame, frame.Payload); err != nil {
		l.Error("protoclient: echo reply", zap.Error(err))
	}
})

// ServeMux routes frames by command.
type ServeMux struct {
	mu sync.RWMutex
	m  map[uint16]Handler
	// NotFound handles unregistered commands, nil closes the connection
	NotFound Handler
}

func NewServeMux() *ServeMux { return &ServeMux{} }

func (mux *ServeMux) HandleFunc(cmd uint16, handler func(w ResponseWriter, frame *Frame)) {
	mux.Handle(cmd, HandlerFunc(handler))
}

func (mux *ServeMux) Handle(cmd uint16, handler Handler) {
	if handler == nil {
		panic("protoclient: nil handler")
	}

	mux.mu.Lock()
	defer mux.mu.Unlock()

	if mux.m == nil {
		mux.m = make(map[uint16]Handler)
	}
	if _, exist := mux.m[cmd]; exist {
		panic(fmt.Sprintf("protoclient: multiple registrations for cmd %d", cmd))
	}

	mux.m[cmd] = handler
}

func (mux *ServeMux) ServeFrame(w ResponseWriter, f *Frame) {
	mux.mu.RLock()
	h, ok := mux.m[f.Command]
	mux.mu.RUnlock()

	if !ok {
		if mux.NotFound != nil {
			mux.NotFound.ServeFrame(w, f)
			return
		}
		l.Error("protoclient: cmd not registered", zap.Uint16("cmd", f.Command))
		w.Close()
		return
	}

	h.ServeFrame(w, f)
}
