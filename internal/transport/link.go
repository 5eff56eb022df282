// Package transport manages the physical serial link to a CAN-to-USB
// adapter and frames the byte stream into canframe.Frame records.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.bug.st/serial"

	"github.com/robstride-dev/robstride-go/internal/canframe"
)

// ErrIOTimeout marks a read that did not complete before its deadline.
var ErrIOTimeout = errors.New("transport: io timeout")

const frameLen = 17

// Port is the narrow serial contract the link depends on. The real
// implementation is go.bug.st/serial.Port; tests substitute a buffer-backed
// mock.
type Port interface {
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
	Close() error
}

// Link owns one open serial port and speaks canframe.Frame over it.
type Link struct {
	port Port
	path string
}

// Config selects the physical serial parameters for the adapter.
type Config struct {
	PortPath string
	BaudRate int
}

// Open configures and opens the serial port described by cfg.
func Open(cfg Config) (*Link, error) {
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(cfg.PortPath, mode)
	if err != nil {
		return nil, fmt.Errorf("transport: open %s: %w", cfg.PortPath, err)
	}
	if err := port.SetReadTimeout(10 * time.Millisecond); err != nil {
		port.Close()
		return nil, fmt.Errorf("transport: set read timeout: %w", err)
	}
	log.Printf("[transport] opened %s at %d baud", cfg.PortPath, cfg.BaudRate)
	return &Link{port: port, path: cfg.PortPath}, nil
}

// NewLink wraps an already-open Port, used by tests to inject a mock.
func NewLink(port Port) *Link {
	return &Link{port: port}
}

// Close releases the underlying port.
func (l *Link) Close() error {
	return l.port.Close()
}

// WriteFrames marshals and writes each frame in order.
func (l *Link) WriteFrames(frames ...canframe.Frame) error {
	for _, f := range frames {
		raw := f.Marshal()
		if _, err := l.port.Write(raw[:]); err != nil {
			return fmt.Errorf("transport: write %s: %w", l.path, err)
		}
	}
	return nil
}

// ReadFrames reads exactly want frames, accumulating bytes across however
// many port.Read calls that takes, then slices the buffer into fixed
// 17-byte records. It returns early with whatever frames it has collected,
// plus an error, if ctx is done before want frames arrive, or if any
// accumulated record fails its AT-preamble check. A misaligned byte
// stream is never resynced by dropping bytes and retrying; it fails the
// call outright. Callers bound ctx themselves; internal/motorbus uses a
// deadline of 5x the configured inter-command sleep, since a silent device must not hang the caller forever the way an
// unbounded read loop would.
func (l *Link) ReadFrames(ctx context.Context, want int) ([]canframe.Frame, error) {
	out := make([]canframe.Frame, 0, want)
	var buf []byte
	tmp := make([]byte, frameLen*4)

	for len(out) < want {
		select {
		case <-ctx.Done():
			return out, fmt.Errorf("transport: read %s: %w", l.path, ErrIOTimeout)
		default:
		}

		n, err := l.port.Read(tmp)
		if err != nil {
			return out, fmt.Errorf("transport: read %s: %w", l.path, err)
		}
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		for len(buf) >= frameLen && len(out) < want {
			f, err := canframe.UnmarshalFrame(buf[:frameLen])
			if err != nil {
				return out, fmt.Errorf("transport: read %s: %w", l.path, ErrIOTimeout)
			}
			out = append(out, f)
			buf = buf[frameLen:]
		}
	}
	return out, nil
}
