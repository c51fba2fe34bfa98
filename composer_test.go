package protoclient

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
)

type collected struct {
	h       Header
	payload []byte
}

func collect(frames *[]collected) func(*Frame) {
	return func(f *Frame) {
		*frames = append(*frames, collected{h: f.Header, payload: f.Payload})
	}
}

func testStream(t *testing.T) ([]byte, []collected) {
	t.Helper()

	var (
		stream []byte
		want   []collected
	)
	payloads := [][]byte{[]byte("first"), nil, bytes.Repeat([]byte("z"), 300), []byte{0}}
	for i, p := range payloads {
		buf, err := Encode(uint32(1000+i), uint16(i), p, 0)
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		stream = append(stream, buf...)
		want = append(want, collected{h: ParseHeader(buf), payload: p})
	}
	return stream, want
}

func checkFrames(t *testing.T, got, want []collected) {
	t.Helper()

	if len(got) != len(want) {
		t.Fatalf("expected %d frames, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i].h != want[i].h {
			t.Errorf("frame %d: header %+v, want %+v", i, got[i].h, want[i].h)
		}
		if !bytes.Equal(got[i].payload, want[i].payload) {
			t.Errorf("frame %d: payload %q, want %q", i, got[i].payload, want[i].payload)
		}
	}
}

func TestComposerSingleFeed(t *testing.T) {
	stream, want := testStream(t)

	var got []collected
	c := NewComposer(0, collect(&got))
	if err := c.Feed(stream); err != nil {
		t.Fatalf("Feed failed: %v", err)
	}
	checkFrames(t, got, want)
	if c.State() != StateHeader || c.Buffered() != 0 {
		t.Errorf("composer not idle after whole frames: %v, %d buffered", c.State(), c.Buffered())
	}
}

func TestComposerEverySplit(t *testing.T) {
	stream, want := testStream(t)

	for split := 0; split <= len(stream); split++ {
		t.Run(fmt.Sprint(split), func(t *testing.T) {
			var got []collected
			c := NewComposer(0, collect(&got))
			if err := c.Feed(stream[:split]); err != nil {
				t.Fatalf("Feed failed: %v", err)
			}
			if err := c.Feed(stream[split:]); err != nil {
				t.Fatalf("Feed failed: %v", err)
			}
			checkFrames(t, got, want)
		})
	}
}

func TestComposerByteByByte(t *testing.T) {
	stream, want := testStream(t)

	var got []collected
	c := NewComposer(0, collect(&got))
	for i := range stream {
		if err := c.Feed(stream[i : i+1]); err != nil {
			t.Fatalf("Feed failed at byte %d: %v", i, err)
		}
	}
	checkFrames(t, got, want)
}

func TestComposerFeedRange(t *testing.T) {
	stream, want := testStream(t)

	padded := append([]byte("junk"), stream...)
	padded = append(padded, "tail"...)

	var got []collected
	c := NewComposer(0, collect(&got))
	if err := c.FeedRange(padded, 4, 4+len(stream)); err != nil {
		t.Fatalf("FeedRange failed: %v", err)
	}
	checkFrames(t, got, want)

	if err := c.FeedRange(padded, 5, 2); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for inverted range, got %v", err)
	}
}

func TestComposerPartialHeader(t *testing.T) {
	buf, err := Encode(5, 6, []byte("payload"), 0)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	var got []collected
	c := NewComposer(0, collect(&got))
	if err := c.Feed(buf[:HeaderSize-1]); err != nil {
		t.Fatalf("Feed failed: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no frame from a partial header, got %d", len(got))
	}
	if c.State() != StateHeader || c.Buffered() != HeaderSize-1 {
		t.Fatalf("unexpected state %v with %d buffered", c.State(), c.Buffered())
	}

	if err := c.Feed(buf[HeaderSize-1:]); err != nil {
		t.Fatalf("Feed failed: %v", err)
	}
	checkFrames(t, got, []collected{{h: ParseHeader(buf), payload: []byte("payload")}})
}

func TestComposerEmptyPayloadAtEndOfChunk(t *testing.T) {
	buf, err := Encode(1, 2, nil, 0)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	var got []collected
	c := NewComposer(0, collect(&got))
	if err := c.Feed(buf); err != nil {
		t.Fatalf("Feed failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("header only frame should be emitted at once, got %d frames", len(got))
	}
	if c.State() != StateHeader {
		t.Errorf("expected StateHeader, got %v", c.State())
	}
}

func TestComposerShortLength(t *testing.T) {
	var header [HeaderSize]byte
	PutHeader(header[:], Header{Length: HeaderSize - 1, Command: 1})

	var got []collected
	c := NewComposer(0, collect(&got))
	err := c.Feed(header[:])

	var fe *FrameError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FrameError, got %v", err)
	}
	if fe.Length != HeaderSize-1 {
		t.Errorf("FrameError.Length = %d", fe.Length)
	}
	if !errors.Is(err, ErrInvalidFrame) || KindOf(err) != KindTransport {
		t.Errorf("framing error should classify as transport, got %v", KindOf(err))
	}
	if c.State() != StateError || c.Err() != err {
		t.Errorf("composer should be in error state, got %v", c.State())
	}

	good, _ := Encode(1, 1, nil, 0)
	if err := c.Feed(good); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState while broken, got %v", err)
	}
	if len(got) != 0 {
		t.Errorf("no frame should be emitted, got %d", len(got))
	}

	c.Reset()
	if err := c.Feed(good); err != nil {
		t.Fatalf("Feed after Reset failed: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("expected a frame after Reset, got %d", len(got))
	}
}

func TestComposerMaxFrameSize(t *testing.T) {
	small, _ := Encode(1, 1, make([]byte, 10), 0)
	big, _ := Encode(1, 2, make([]byte, 11), 0)

	var got []collected
	c := NewComposer(HeaderSize+10, collect(&got))
	if err := c.Feed(small); err != nil {
		t.Fatalf("frame at the limit rejected: %v", err)
	}
	if err := c.Feed(big); !errors.Is(err, ErrInvalidFrame) {
		t.Fatalf("expected ErrInvalidFrame, got %v", err)
	}
	if len(got) != 1 {
		t.Errorf("expected 1 frame, got %d", len(got))
	}
}

func TestComposerFramesBeforeCorruption(t *testing.T) {
	good, _ := Encode(1, 1, []byte("ok"), 0)
	var bad [HeaderSize]byte
	PutHeader(bad[:], Header{Length: 3})

	var got []collected
	c := NewComposer(0, collect(&got))
	err := c.Feed(append(good, bad[:]...))
	if !errors.Is(err, ErrInvalidFrame) {
		t.Fatalf("expected ErrInvalidFrame, got %v", err)
	}
	if len(got) != 1 {
		t.Errorf("the complete frame before the corruption should be emitted, got %d", len(got))
	}
}

func TestComposerHugeLengthGrowsBody(t *testing.T) {
	var header [HeaderSize]byte
	PutHeader(header[:], Header{Length: MaxFrameLength, Command: 1})

	var got []collected
	c := NewComposer(0, collect(&got))
	if err := c.Feed(append(header[:], make([]byte, 100)...)); err != nil {
		t.Fatalf("Feed failed: %v", err)
	}
	if c.State() != StateBody || c.Buffered() != HeaderSize+100 {
		t.Fatalf("unexpected state %v with %d buffered", c.State(), c.Buffered())
	}
	if cap(c.body) > bodyChunk {
		t.Errorf("body allocated %d bytes before they arrived", cap(c.body))
	}

	payload := bytes.Repeat([]byte{7}, 3*bodyChunk)
	frame, _ := Encode(2, 2, payload, 0)
	c.Reset()
	for i := 0; i < len(frame); i += 1000 {
		end := i + 1000
		if end > len(frame) {
			end = len(frame)
		}
		if err := c.Feed(frame[i:end]); err != nil {
			t.Fatalf("Feed failed: %v", err)
		}
	}
	if len(got) != 1 || !bytes.Equal(got[0].payload, payload) {
		t.Fatalf("large frame not reassembled")
	}
}

func BenchmarkComposerFeed(b *testing.B) {
	buf, _ := Encode(123, 123, make([]byte, 100), 0)
	stream := bytes.Repeat(buf, 64)
	c := NewComposer(0, nil)

	b.SetBytes(int64(len(stream)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := c.Feed(stream); err != nil {
			b.Fatal(err)
		}
	}
}
