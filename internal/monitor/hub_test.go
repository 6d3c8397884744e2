package monitor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/terminal-bench/leasehub/internal/ledger/ledgertest"
	"github.com/terminal-bench/leasehub/internal/metrics"
	"github.com/terminal-bench/leasehub/internal/models"
	"github.com/terminal-bench/leasehub/internal/reputation"
	"github.com/terminal-bench/leasehub/internal/store"
)

const secret = "test-secret"

var frank = common.HexToAddress("0x000000000000000000000000000000000000f4a2")

type harness struct {
	hub    *Hub
	store  *store.Memory
	ledger *ledgertest.Ledger
	server *httptest.Server
	auth   *Authenticator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := store.NewMemory()
	st.PutAccount(models.Account{Address: frank, MAC: "aa:bb:cc:dd:ee:0f", IP: "192.168.1.30", Credit: 3})
	l := ledgertest.New()
	auth := NewAuthenticator(secret)
	hub := NewHub(st, reputation.NewEngine(st, l, nil, zerolog.Nop()), auth, metrics.New(), zerolog.Nop())

	r := gin.New()
	r.GET("/monitor/ws", hub.Serve)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &harness{hub: hub, store: st, ledger: l, server: srv, auth: auth}
}

func (h *harness) dial(t *testing.T, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/monitor/ws"
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	return websocket.DefaultDialer.Dial(url, header)
}

func TestHub(t *testing.T) {
	t.Run("should refuse monitors without a valid token", func(t *testing.T) {
		h := newHarness(t)

		_, resp, err := h.dial(t, "")
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

		forged, err := NewAuthenticator("other").Issue("lab", time.Hour)
		require.NoError(t, err)
		_, resp, err = h.dial(t, forged)
		require.Error(t, err)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("should send a snapshot on connect", func(t *testing.T) {
		h := newHarness(t)
		token, err := h.auth.Issue("lab", time.Hour)
		require.NoError(t, err)

		conn, _, err := h.dial(t, token)
		require.NoError(t, err)
		defer conn.Close()

		var msg models.MonitorMessage
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		require.NoError(t, conn.ReadJSON(&msg))
		assert.Equal(t, models.MessageSnapshot, msg.Type)
		require.Len(t, msg.Devices, 1)
		assert.Equal(t, "aa:bb:cc:dd:ee:0f", msg.Devices[0].MAC)
		assert.False(t, msg.Devices[0].Blocked)
		assert.Eventually(t, func() bool { return h.hub.Clients() == 1 }, time.Second, 10*time.Millisecond)
	})

	t.Run("should apply reports and broadcast the new state", func(t *testing.T) {
		h := newHarness(t)
		token, err := h.auth.Issue("lab", time.Hour)
		require.NoError(t, err)

		conn, _, err := h.dial(t, token)
		require.NoError(t, err)
		defer conn.Close()

		var msg models.MonitorMessage
		require.NoError(t, conn.ReadJSON(&msg))

		require.NoError(t, conn.WriteJSON(models.MonitorMessage{
			Type:   models.MessageReport,
			Counts: models.Report{"aa:bb:cc:dd:ee:0f": 1},
		}))

		assert.Eventually(t, func() bool {
			a, err := h.store.Account(context.Background(), frank)
			return err == nil && a.Blocked
		}, 2*time.Second, 10*time.Millisecond)
		assert.True(t, h.ledger.IsFrozen(frank))

		require.NoError(t, h.hub.Broadcast(context.Background()))
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		require.NoError(t, conn.ReadJSON(&msg))
		require.Len(t, msg.Devices, 1)
		assert.True(t, msg.Devices[0].Blocked)
	})

	t.Run("should forget monitors that disconnect", func(t *testing.T) {
		h := newHarness(t)
		token, err := h.auth.Issue("lab", time.Hour)
		require.NoError(t, err)

		conn, _, err := h.dial(t, token)
		require.NoError(t, err)
		assert.Eventually(t, func() bool { return h.hub.Clients() == 1 }, time.Second, 10*time.Millisecond)

		conn.Close()
		assert.Eventually(t, func() bool { return h.hub.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
	})
}

func TestAuthenticator(t *testing.T) {
	t.Run("should round trip the segment", func(t *testing.T) {
		a := NewAuthenticator(secret)
		token, err := a.Issue("floor-2", time.Hour)
		require.NoError(t, err)

		claims, err := a.Verify("Bearer " + token)
		require.NoError(t, err)
		assert.Equal(t, "floor-2", claims.Segment)
	})

	t.Run("should reject expired tokens", func(t *testing.T) {
		a := NewAuthenticator(secret)
		token, err := a.Issue("floor-2", time.Minute)
		require.NoError(t, err)

		a.now = func() time.Time { return time.Now().Add(time.Hour) }
		_, err = a.Verify(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}
