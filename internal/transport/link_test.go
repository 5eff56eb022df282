package transport

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/robstride-dev/robstride-go/internal/canframe"
)

// mockPort implements Port for testing, backed by in-memory buffers.
type mockPort struct {
	mu       sync.Mutex
	readBuf  *bytes.Buffer
	writeBuf *bytes.Buffer
	readErr  error
	closed   bool
}

func newMockPort() *mockPort {
	return &mockPort{readBuf: bytes.NewBuffer(nil), writeBuf: bytes.NewBuffer(nil)}
}

func (m *mockPort) Read(b []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, errors.New("port closed")
	}
	if m.readErr != nil {
		return 0, m.readErr
	}
	return m.readBuf.Read(b)
}

func (m *mockPort) Write(b []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, errors.New("port closed")
	}
	return m.writeBuf.Write(b)
}

func (m *mockPort) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockPort) feed(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readBuf.Write(data)
}

func (m *mockPort) written() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeBuf.Bytes()
}

func testFrame(id uint8) canframe.Frame {
	return canframe.Frame{ExID: canframe.ExtendedID{ID: id, Mode: canframe.MotorCtrl}, Len: 8}
}

func TestWriteFramesWritesWireBytes(t *testing.T) {
	port := newMockPort()
	l := NewLink(port)

	f := testFrame(1)
	if err := l.WriteFrames(f); err != nil {
		t.Fatalf("WriteFrames: %v", err)
	}

	want := f.Marshal()
	got := port.written()
	if !bytes.Equal(got, want[:]) {
		t.Errorf("written = % X, want % X", got, want)
	}
}

func TestWriteFramesMultiple(t *testing.T) {
	port := newMockPort()
	l := NewLink(port)

	frames := []canframe.Frame{testFrame(1), testFrame(2), testFrame(3)}
	if err := l.WriteFrames(frames...); err != nil {
		t.Fatalf("WriteFrames: %v", err)
	}
	if got := len(port.written()); got != 17*3 {
		t.Errorf("wrote %d bytes, want %d", got, 17*3)
	}
}

func TestReadFramesDecodesSingleFrame(t *testing.T) {
	port := newMockPort()
	l := NewLink(port)

	want := testFrame(7).Marshal()
	// The mock returns the whole frame from a single Read, since
	// bytes.Buffer.Read drains what's there.
	port.feed(want[:])

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	got, err := l.ReadFrames(ctx, 1)
	if err != nil {
		t.Fatalf("ReadFrames: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d frames, want 1", len(got))
	}
	if got[0].ExID.ID != 7 {
		t.Errorf("ExID.ID = %d, want 7", got[0].ExID.ID)
	}
}

func TestReadFramesFailsOnPreambleMismatchInsteadOfResyncing(t *testing.T) {
	port := newMockPort()
	l := NewLink(port)

	// 17 bytes of garbage, not a valid AT frame at any offset: ReadFrames
	// must fail the call rather than drop bytes looking for a preamble.
	garbage := bytes.Repeat([]byte{0x00}, frameLen)
	port.feed(garbage)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	got, err := l.ReadFrames(ctx, 1)
	if err == nil || !errors.Is(err, ErrIOTimeout) {
		t.Fatalf("want ErrIOTimeout on preamble mismatch, got frames=%+v err=%v", got, err)
	}
}

func TestReadFramesReturnsIOTimeoutOnExpiredContext(t *testing.T) {
	port := newMockPort()
	l := NewLink(port)

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	time.Sleep(5 * time.Millisecond)

	_, err := l.ReadFrames(ctx, 1)
	if err == nil || !errors.Is(err, ErrIOTimeout) {
		t.Fatalf("want ErrIOTimeout, got %v", err)
	}
}

func TestReadFramesMultiFrameBatch(t *testing.T) {
	port := newMockPort()
	l := NewLink(port)

	f1 := testFrame(1).Marshal()
	f2 := testFrame(2).Marshal()
	port.feed(append(f1[:], f2[:]...))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	got, err := l.ReadFrames(ctx, 2)
	if err != nil {
		t.Fatalf("ReadFrames: %v", err)
	}
	if len(got) != 2 || got[0].ExID.ID != 1 || got[1].ExID.ID != 2 {
		t.Fatalf("got %+v, want ids 1,2", got)
	}
}
