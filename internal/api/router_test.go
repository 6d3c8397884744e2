package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/terminal-bench/leasehub/internal/metrics"
	"github.com/terminal-bench/leasehub/internal/models"
	"github.com/terminal-bench/leasehub/internal/pool"
	"github.com/terminal-bench/leasehub/internal/store"
)

var grace = common.HexToAddress("0x00000000000000000000000000000000000067ac")

func newRouter(t *testing.T, checks ...Check) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := store.NewMemory()
	st.PutAccount(models.Account{Address: grace, MAC: "aa:bb:cc:dd:ee:10", Balance: 42, Credit: 77})
	cpu, err := pool.New(models.ComputingPower, 100, 30)
	require.NoError(t, err)

	return NewRouter(Config{
		Store:   st,
		Pools:   []*pool.Pool{cpu},
		Checks:  checks,
		Metrics: metrics.New(),
		Log:     zerolog.Nop(),
	})
}

func get(r http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestRouter(t *testing.T) {
	t.Run("should report healthy dependencies", func(t *testing.T) {
		r := newRouter(t, Check{Name: "store", Probe: func(context.Context) error { return nil }})

		rec := get(r, "/health")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"healthy"`)
	})

	t.Run("should report unhealthy dependencies", func(t *testing.T) {
		r := newRouter(t, Check{Name: "ledger", Probe: func(context.Context) error { return errors.New("down") }})

		rec := get(r, "/health")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Contains(t, rec.Body.String(), "down")
	})

	t.Run("should list pools", func(t *testing.T) {
		rec := get(newRouter(t), "/api/v1/pools")
		require.Equal(t, http.StatusOK, rec.Code)

		var pools []PoolStatus
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pools))
		assert.Equal(t, []PoolStatus{{Kind: models.ComputingPower, Capacity: 100, Available: 70}}, pools)
	})

	t.Run("should return an account", func(t *testing.T) {
		rec := get(newRouter(t), "/api/v1/accounts/"+grace.Hex())
		require.Equal(t, http.StatusOK, rec.Code)

		var a models.Account
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &a))
		assert.Equal(t, grace, a.Address)
		assert.Equal(t, 77, a.Credit)
	})

	t.Run("should reject malformed addresses", func(t *testing.T) {
		rec := get(newRouter(t), "/api/v1/accounts/not-an-address")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("should return 404 for unknown accounts", func(t *testing.T) {
		rec := get(newRouter(t), "/api/v1/accounts/0x0000000000000000000000000000000000000001")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("should expose metrics", func(t *testing.T) {
		rec := get(newRouter(t), "/metrics")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, strings.Contains(rec.Body.String(), "go_goroutines"))
	})
}
