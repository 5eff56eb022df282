package motorbus

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/robstride-dev/robstride-go/internal/canframe"
	"github.com/robstride-dev/robstride-go/internal/transport"
)

// alwaysAckDevice answers every command with a generic success reply
// addressed back to the requesting motor, enough to drive Supervisor's
// worker loop through resets, starts, PD commands and shutdown without a
// real bus attached.
type alwaysAckDevice struct {
	mu      sync.Mutex
	readBuf *bytes.Buffer
}

func newAlwaysAckDevice() *alwaysAckDevice {
	return &alwaysAckDevice{readBuf: bytes.NewBuffer(nil)}
}

func (d *alwaysAckDevice) Read(b []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readBuf.Read(b)
}

func (d *alwaysAckDevice) Write(b []byte) (int, error) {
	frame, err := canframe.UnmarshalFrame(b)
	if err != nil {
		return 0, err
	}
	reply := canframe.Frame{
		ExID: canframe.ExtendedID{ID: 0, Data: uint16(frame.ExID.ID), Mode: canframe.MotorFeedback},
		Len:  8,
	}
	raw := reply.Marshal()
	d.mu.Lock()
	d.readBuf.Write(raw[:])
	d.mu.Unlock()
	return len(b), nil
}

func (d *alwaysAckDevice) Close() error { return nil }

func newTestSupervisor(t *testing.T, ids map[uint8]canframe.MotorType) *Supervisor {
	t.Helper()
	link := transport.NewLink(newAlwaysAckDevice())
	s := NewSupervisor(link, ids, 0, false, 100, 500)
	return s
}

func TestSupervisorStartsZeroedAndStopsCleanly(t *testing.T) {
	s := newTestSupervisor(t, map[uint8]canframe.MotorType{1: canframe.Type01})
	defer s.Stop()

	pos, err := s.GetPosition(1)
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if pos != 0 {
		t.Errorf("initial position = %v, want 0", pos)
	}
}

func TestSupervisorSetAndGetPosition(t *testing.T) {
	s := newTestSupervisor(t, map[uint8]canframe.MotorType{1: canframe.Type01})
	defer s.Stop()

	if err := s.SetPosition(1, 2.5); err != nil {
		t.Fatalf("SetPosition: %v", err)
	}
	got, err := s.GetPosition(1)
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if got != 2.5 {
		t.Errorf("GetPosition = %v, want 2.5", got)
	}
}

func TestSupervisorUnknownMotorReturnsNotFound(t *testing.T) {
	s := newTestSupervisor(t, map[uint8]canframe.MotorType{1: canframe.Type01})
	defer s.Stop()

	if _, err := s.GetPosition(9); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound for unconfigured motor id, got %v", err)
	}
	if err := s.SetVelocity(9, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound for unconfigured motor id, got %v", err)
	}
}

func TestSupervisorKpKdClampNonNegative(t *testing.T) {
	s := newTestSupervisor(t, map[uint8]canframe.MotorType{1: canframe.Type01})
	defer s.Stop()

	if err := s.SetKp(1, -5); err != nil {
		t.Fatalf("SetKp: %v", err)
	}
	if kp, _ := s.GetKp(1); kp != 0 {
		t.Errorf("Kp = %v, want 0 (clamped)", kp)
	}
	if err := s.SetKd(1, -3); err != nil {
		t.Fatalf("SetKd: %v", err)
	}
	if kd, _ := s.GetKd(1); kd != 0 {
		t.Errorf("Kd = %v, want 0 (clamped)", kd)
	}
}

func TestSupervisorFeedbackEventuallyPopulated(t *testing.T) {
	s := newTestSupervisor(t, map[uint8]canframe.MotorType{1: canframe.Type01})
	defer s.Stop()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(s.GetLatestFeedback()) > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("worker never populated feedback within 1s")
}

func TestSupervisorTogglePausePreventsCommands(t *testing.T) {
	s := newTestSupervisor(t, map[uint8]canframe.MotorType{1: canframe.Type01})
	defer s.Stop()

	s.TogglePause()
	if !s.isPaused() {
		t.Fatalf("want paused after TogglePause")
	}
	s.ResetCommandCounters()
	time.Sleep(30 * time.Millisecond)
	total, err := s.GetTotalCommands(1)
	if err != nil {
		t.Fatalf("GetTotalCommands: %v", err)
	}
	if total != 0 {
		t.Errorf("total commands while paused = %d, want 0", total)
	}
	s.TogglePause()
}

func TestSupervisorAddMotorToZeroClearsSetpoint(t *testing.T) {
	s := newTestSupervisor(t, map[uint8]canframe.MotorType{1: canframe.Type01})
	defer s.Stop()

	if err := s.SetPosition(1, 5); err != nil {
		t.Fatalf("SetPosition: %v", err)
	}
	if err := s.AddMotorToZero(1); err != nil {
		t.Fatalf("AddMotorToZero: %v", err)
	}
	pos, _ := s.GetPosition(1)
	if pos != 0 {
		t.Errorf("position after AddMotorToZero = %v, want 0", pos)
	}
}

func TestSupervisorStopIsJoinable(t *testing.T) {
	s := newTestSupervisor(t, map[uint8]canframe.MotorType{1: canframe.Type01})
	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Stop() did not return within 2s")
	}
}
