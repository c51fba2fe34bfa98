package protoclient

import (
	"net"
	"testing"
)

type fakeWriter struct {
	replies []*Frame
	closed  bool
}

func (w *fakeWriter) Reply(req *Frame, payload []byte) error {
	w.replies = append(w.replies, &Frame{Header: req.Header, Payload: payload})
	return nil
}

func (w *fakeWriter) WriteFrame(h Header, payload []byte) error {
	w.replies = append(w.replies, &Frame{Header: h, Payload: payload})
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func (w *fakeWriter) RemoteAddr() net.Addr { return nil }

func TestServeMuxRouting(t *testing.T) {
	mux := NewServeMux()
	mux.Handle(HelloCmd, Echo)

	w := &fakeWriter{}
	mux.ServeFrame(w, &Frame{Header: Header{Command: HelloCmd}, Payload: []byte("hi")})
	if len(w.replies) != 1 || string(w.replies[0].Payload) != "hi" {
		t.Fatalf("unexpected replies %v", w.replies)
	}

	mux.ServeFrame(w, &Frame{Header: Header{Command: 999}})
	if !w.closed {
		t.Error("unregistered command should close the connection")
	}

	mux.NotFound = Echo
	w = &fakeWriter{}
	mux.ServeFrame(w, &Frame{Header: Header{Command: 999}, Payload: []byte("x")})
	if w.closed || len(w.replies) != 1 {
		t.Error("NotFound handler not used")
	}
}

func TestServeMuxDuplicate(t *testing.T) {
	mux := NewServeMux()
	mux.Handle(HelloCmd, Echo)

	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()
	mux.Handle(HelloCmd, Echo)
}
