package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/robstride-dev/robstride-go/internal/canframe"
)

type fakeSource struct {
	feedback map[uint8]canframe.MotorFeedback
	rate     float64
	total    map[uint8]uint64
	failed   map[uint8]uint64
}

func (f *fakeSource) GetLatestFeedback() map[uint8]canframe.MotorFeedback { return f.feedback }
func (f *fakeSource) GetActualUpdateRate() float64                       { return f.rate }
func (f *fakeSource) GetCommandCounters() (total, failed map[uint8]uint64) {
	return f.total, f.failed
}

func TestHandleConfigGet(t *testing.T) {
	s := New(&fakeSource{}, time.Hour, func() ([]byte, error) {
		return []byte(`{"portPath":"/dev/ttyUSB0"}`), nil
	}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/config", nil)
	rec := httptest.NewRecorder()
	s.handleConfig(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "ttyUSB0") {
		t.Errorf("body = %s, want portPath", rec.Body.String())
	}
}

func TestHandleConfigGetUnavailable(t *testing.T) {
	s := New(&fakeSource{}, time.Hour, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/config", nil)
	rec := httptest.NewRecorder()
	s.handleConfig(rec, req)
	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d, want 501", rec.Code)
	}
}

func TestHandleConfigPostUpdates(t *testing.T) {
	var received []byte
	s := New(&fakeSource{}, time.Hour, nil, func(b []byte) error {
		received = b
		return nil
	})

	req := httptest.NewRequest(http.MethodPost, "/api/config", strings.NewReader(`{"verbose":true}`))
	rec := httptest.NewRecorder()
	s.handleConfig(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if string(received) != `{"verbose":true}` {
		t.Errorf("received = %s", received)
	}
}

func TestBroadcastSkipsSlowClients(t *testing.T) {
	s := New(&fakeSource{}, time.Hour, nil, nil)
	c := &client{send: make(chan []byte)} // unbuffered, no reader: always "slow"
	s.clients[c] = struct{}{}

	// Should not block despite the unbuffered channel having no reader.
	done := make(chan struct{})
	go func() {
		s.broadcast(Frame{UpdateHz: 1})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("broadcast blocked on a slow client")
	}
}

func TestWebSocketRoundTrip(t *testing.T) {
	src := &fakeSource{
		feedback: map[uint8]canframe.MotorFeedback{1: {CanID: 1, Position: 2.5}},
		rate:     100,
	}
	s := New(src, time.Hour, nil, nil)
	srv := httptest.NewServer(http.HandlerFunc(s.handleWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}

	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if frame.UpdateHz != 100 {
		t.Errorf("UpdateHz = %v, want 100", frame.UpdateHz)
	}
	if frame.Feedback[1].Position != 2.5 {
		t.Errorf("Feedback[1].Position = %v, want 2.5", frame.Feedback[1].Position)
	}
}
