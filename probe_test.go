package meshcall

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bt-bridge/meshcall/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type probeServer struct {
	health int
	rooms  map[string]string
	delay  time.Duration
}

func (s *probeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-r.Context().Done():
			return
		}
	}
	switch {
	case r.URL.Path == "/health":
		w.WriteHeader(s.health)
	case len(r.URL.Path) > len("/api/rooms/") && r.URL.Path[:len("/api/rooms/")] == "/api/rooms/":
		body, ok := s.rooms[r.URL.Path[len("/api/rooms/"):]]
		if !ok {
			http.NotFound(w, r)
			return
		}
		if body == "" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	default:
		http.NotFound(w, r)
	}
}

func newTestProbe(t *testing.T, srv *probeServer, timeout time.Duration) *Probe {
	t.Helper()
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	p, err := NewProbe(shared.NewNopLogger(), ts.URL, timeout)
	require.NoError(t, err)
	return p
}

func TestNewProbe(t *testing.T) {
	_, err := NewProbe(nil, "http://localhost", time.Second)
	assert.ErrorIs(t, err, shared.ErrNoLogger)
	_, err = NewProbe(shared.NewNopLogger(), "", time.Second)
	assert.ErrorIs(t, err, shared.ErrNoConfig)
	_, err = NewProbe(shared.NewNopLogger(), "http://[::1", time.Second)
	assert.Error(t, err)

	p, err := NewProbe(shared.NewNopLogger(), "http://localhost", 0)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, p.timeout)
}

func TestProbeHealth(t *testing.T) {
	tests := []struct {
		name   string
		status int
		ok     bool
	}{
		{name: "healthy", status: http.StatusOK, ok: true},
		{name: "unavailable", status: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProbe(t, &probeServer{health: tt.status}, time.Second)
			err := p.Health(context.Background())
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, "503")
			}
		})
	}
}

func TestProbeRoomExists(t *testing.T) {
	srv := &probeServer{
		health: http.StatusOK,
		rooms: map[string]string{
			"standup":  `{"exists":true}`,
			"archived": `{"exists":false}`,
			"broken":   `{"exists":`,
			"flaky":    "",
			"a b":      `{"exists":true}`,
		},
	}
	tests := []struct {
		room   string
		exists bool
		err    bool
	}{
		{room: "standup", exists: true},
		{room: "archived"},
		{room: "missing"},
		{room: "broken", err: true},
		{room: "flaky", err: true},
		{room: "a b", exists: true},
	}
	p := newTestProbe(t, srv, time.Second)
	for _, tt := range tests {
		t.Run(tt.room, func(t *testing.T) {
			exists, err := p.RoomExists(context.Background(), tt.room)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.exists, exists)
		})
	}

	_, err := p.RoomExists(context.Background(), "")
	assert.ErrorIs(t, err, shared.ErrNoRoomID)
}

func TestProbeProceed(t *testing.T) {
	srv := &probeServer{health: http.StatusOK, rooms: map[string]string{"standup": `{"exists":true}`}}
	p := newTestProbe(t, srv, time.Second)

	ok, err := p.Proceed(context.Background(), "standup")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.Proceed(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	down := newTestProbe(t, &probeServer{health: http.StatusBadGateway}, time.Second)
	ok, err = down.Proceed(context.Background(), "standup")
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestProbeCancellation(t *testing.T) {
	srv := &probeServer{health: http.StatusOK, delay: 500 * time.Millisecond}

	t.Run("context canceled", func(t *testing.T) {
		p := newTestProbe(t, srv, 2*time.Second)
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		start := time.Now()
		err := p.Health(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Less(t, time.Since(start), 400*time.Millisecond)
	})

	t.Run("request timeout", func(t *testing.T) {
		p := newTestProbe(t, srv, 50*time.Millisecond)
		err := p.Health(context.Background())
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}
