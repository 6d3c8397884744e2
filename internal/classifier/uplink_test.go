package classifier

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/terminal-bench/leasehub/internal/models"
)

// fakeServer accepts monitor connections, sends one snapshot on each and
// records the reports it receives
type fakeServer struct {
	srv       *httptest.Server
	devices   []models.Device
	dropFirst bool

	mu      sync.Mutex
	conns   int
	auth    []string
	reports []models.Report
}

func newFakeServer(t *testing.T, devices []models.Device, dropFirst bool) *fakeServer {
	t.Helper()
	s := &fakeServer{devices: devices, dropFirst: dropFirst}
	upgrader := websocket.Upgrader{}

	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		s.mu.Lock()
		s.conns++
		n := s.conns
		s.auth = append(s.auth, r.Header.Get("Authorization"))
		s.mu.Unlock()

		if err := conn.WriteJSON(models.MonitorMessage{Type: models.MessageSnapshot, Devices: s.devices}); err != nil {
			return
		}
		if s.dropFirst && n == 1 {
			return
		}
		for {
			var msg models.MonitorMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg.Type == models.MessageReport {
				s.mu.Lock()
				s.reports = append(s.reports, msg.Counts)
				s.mu.Unlock()
			}
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *fakeServer) connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns
}

func (s *fakeServer) received() []models.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Report(nil), s.reports...)
}

func runUplink(t *testing.T, u *Uplink) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- u.Run(ctx) }()

	return func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("uplink did not stop")
		}
	}
}

func TestUplink(t *testing.T) {
	t.Run("should apply the server snapshot", func(t *testing.T) {
		c := newClassifier(t)
		srv := newFakeServer(t, []models.Device{
			{MAC: deviceMAC},
			{MAC: blockedMAC, Blocked: true},
			{MAC: strayMAC},
		}, false)

		u := NewUplink(UplinkConfig{URL: srv.url(), Token: "secret", ReportInterval: time.Hour}, c, zerolog.Nop())
		stop := runUplink(t, u)
		defer stop()

		assert.Eventually(t, func() bool { return c.Tracked() == 3 }, 2*time.Second, 10*time.Millisecond)
		srv.mu.Lock()
		assert.Equal(t, "Bearer secret", srv.auth[0])
		srv.mu.Unlock()
	})

	t.Run("should send reports every interval", func(t *testing.T) {
		c := newClassifier(t)
		c.Restore(models.Report{deviceMAC: 2})
		srv := newFakeServer(t, []models.Device{{MAC: deviceMAC}}, false)

		u := NewUplink(UplinkConfig{URL: srv.url(), ReportInterval: 20 * time.Millisecond}, c, zerolog.Nop())
		stop := runUplink(t, u)
		defer stop()

		require.Eventually(t, func() bool { return len(srv.received()) > 0 }, 2*time.Second, 10*time.Millisecond)
		assert.Equal(t, 2, srv.received()[0][deviceMAC])
	})

	t.Run("should merge back a report that could not be sent", func(t *testing.T) {
		c := newClassifier(t)
		srv := newFakeServer(t, nil, false)

		conn, _, err := websocket.DefaultDialer.Dial(srv.url(), nil)
		require.NoError(t, err)
		require.NoError(t, conn.Close())

		c.Restore(models.Report{deviceMAC: 3})
		u := NewUplink(UplinkConfig{URL: srv.url(), ReportInterval: time.Hour}, c, zerolog.Nop())

		err = u.send(conn)
		assert.ErrorIs(t, err, models.ErrConnectionLost)
		assert.Equal(t, models.Report{deviceMAC: 3}, c.Flush())
	})

	t.Run("should reconnect after the server drops the connection", func(t *testing.T) {
		c := newClassifier(t)
		c.Restore(models.Report{deviceMAC: 1})
		srv := newFakeServer(t, []models.Device{{MAC: deviceMAC}}, true)

		u := NewUplink(UplinkConfig{
			URL:            srv.url(),
			ReportInterval: 100 * time.Millisecond,
			ReconnectEvery: 10 * time.Millisecond,
		}, c, zerolog.Nop())
		stop := runUplink(t, u)
		defer stop()

		require.Eventually(t, func() bool { return srv.connections() >= 2 }, 2*time.Second, 10*time.Millisecond)
		require.Eventually(t, func() bool { return len(srv.received()) > 0 }, 2*time.Second, 10*time.Millisecond)

		total := 0
		for _, r := range srv.received() {
			total += r[deviceMAC]
		}
		assert.Equal(t, 1, total)
	})

	t.Run("should keep classifying while disconnected", func(t *testing.T) {
		c := newClassifier(t)
		u := NewUplink(UplinkConfig{
			URL:            "ws://127.0.0.1:1/monitor/ws",
			ReportInterval: time.Hour,
			ReconnectEvery: 10 * time.Millisecond,
		}, c, zerolog.Nop())
		stop := runUplink(t, u)
		defer stop()

		c.Restore(models.Report{deviceMAC: 4})
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, models.Report{deviceMAC: 4}, c.Flush())
	})
}
