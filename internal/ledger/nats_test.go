package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/terminal-bench/leasehub/internal/models"
	"github.com/terminal-bench/leasehub/pkg/circuit"
	"github.com/terminal-bench/leasehub/pkg/messaging"
)

type request struct {
	subject string
	body    map[string]interface{}
}

type fakeBus struct {
	streams   []string
	replies   map[string]interface{}
	failures  map[string]int
	requests  []request
	fetched   [][]byte
	fetchErr  error
	connected bool
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		replies:   make(map[string]interface{}),
		failures:  make(map[string]int),
		connected: true,
	}
}

func (b *fakeBus) EnsureStream(name string, subjects ...string) error {
	b.streams = append(b.streams, name)
	return nil
}

func (b *fakeBus) Fetch(context.Context, string, string, int, time.Duration) ([][]byte, error) {
	return b.fetched, b.fetchErr
}

func (b *fakeBus) Request(_ context.Context, subject string, data, reply interface{}) error {
	raw, _ := json.Marshal(data)
	var body map[string]interface{}
	_ = json.Unmarshal(raw, &body)
	b.requests = append(b.requests, request{subject: subject, body: body})

	if b.failures[subject] > 0 {
		b.failures[subject]--
		return errors.New("nats: timeout")
	}
	out, _ := json.Marshal(b.replies[subject])
	return json.Unmarshal(out, reply)
}

func (b *fakeBus) IsConnected() bool { return b.connected }

var account = common.HexToAddress("0x00000000000000000000000000000000000000b2")

func newClient(t *testing.T, bus *fakeBus) *NATSClient {
	t.Helper()
	c, err := NewNATSClient(bus, NATSConfig{Policy: circuit.Policy{MaxAttempts: 3}}, zerolog.Nop())
	require.NoError(t, err)
	return c
}

func TestNATSClient(t *testing.T) {
	t.Run("should create the ledger stream", func(t *testing.T) {
		bus := newFakeBus()
		newClient(t, bus)
		assert.Equal(t, []string{Stream}, bus.streams)
	})

	t.Run("should read balances", func(t *testing.T) {
		bus := newFakeBus()
		bus.replies["ledger.query.balance"] = QueryResult{Value: 1234}
		c := newClient(t, bus)

		balance, err := c.BalanceOf(context.Background(), account)
		require.NoError(t, err)
		assert.Equal(t, int64(1234), balance)
	})

	t.Run("should send the answer of a petition", func(t *testing.T) {
		bus := newFakeBus()
		bus.replies["ledger.tx.answer_petition"] = Receipt{TxHash: "0xabc", Status: StatusOK}
		c := newClient(t, bus)

		err := c.AnswerPetition(context.Background(), models.Storage, account, 5000, "g1", true)
		require.NoError(t, err)
		require.Len(t, bus.requests, 1)
		body := bus.requests[0].body
		assert.Equal(t, "g1", body["grant_id"])
		assert.Equal(t, true, body["accepted"])
		assert.Equal(t, "storage", body["kind"])
	})

	t.Run("should retry with the same request id", func(t *testing.T) {
		bus := newFakeBus()
		bus.failures["ledger.tx.freeze"] = 1
		bus.replies["ledger.tx.freeze"] = Receipt{Status: StatusOK}
		c := newClient(t, bus)

		require.NoError(t, c.Freeze(context.Background(), account, true))
		require.Len(t, bus.requests, 2)
		assert.Equal(t, bus.requests[0].body["request_id"], bus.requests[1].body["request_id"])
	})

	t.Run("should not retry a reverted transaction", func(t *testing.T) {
		bus := newFakeBus()
		bus.replies["ledger.tx.release_usage"] = Receipt{Status: StatusReverted, Error: "no usage"}
		c := newClient(t, bus)

		err := c.ReleaseUsage(context.Background(), models.ComputingPower, account, 10)
		assert.ErrorIs(t, err, models.ErrLedgerTransaction)
		assert.Len(t, bus.requests, 1)
	})

	t.Run("should keep transacting after reverted receipts", func(t *testing.T) {
		bus := newFakeBus()
		bus.replies["ledger.tx.release_usage"] = Receipt{Status: StatusReverted, Error: "no usage"}
		c := newClient(t, bus)

		for i := 0; i < 8; i++ {
			err := c.ReleaseUsage(context.Background(), models.ComputingPower, account, 10)
			require.ErrorIs(t, err, models.ErrLedgerTransaction)
		}

		bus.replies["ledger.tx.release_usage"] = Receipt{Status: StatusOK}
		require.NoError(t, c.ReleaseUsage(context.Background(), models.ComputingPower, account, 10))
		assert.Len(t, bus.requests, 9)
		for op, state := range c.States() {
			assert.Equal(t, circuit.StateClosed, state, op)
		}
	})

	t.Run("should treat an empty fetch as no events", func(t *testing.T) {
		bus := newFakeBus()
		bus.fetchErr = messaging.ErrNoMessages
		c := newClient(t, bus)

		events, err := c.Fetch(context.Background(), TopicRegister, 10)
		require.NoError(t, err)
		assert.Empty(t, events)
	})

	t.Run("should drop malformed events", func(t *testing.T) {
		good, err := messaging.NewEvent(TopicFreeCPU, 7, FreeArgs{Account: account, GrantID: "g1"})
		require.NoError(t, err)
		raw, err := json.Marshal(good)
		require.NoError(t, err)

		bus := newFakeBus()
		bus.fetched = [][]byte{[]byte("{"), raw}
		c := newClient(t, bus)

		events, err := c.Fetch(context.Background(), TopicFreeCPU, 10)
		require.NoError(t, err)
		require.Len(t, events, 1)

		args, err := messaging.ParseEventData[FreeArgs](events[0])
		require.NoError(t, err)
		assert.Equal(t, "g1", args.GrantID)
		assert.Equal(t, uint64(7), events[0].Block)
	})

	t.Run("should report a lost connection", func(t *testing.T) {
		bus := newFakeBus()
		bus.fetchErr = errors.New("nats: connection closed")
		bus.connected = false
		c := newClient(t, bus)

		_, err := c.Fetch(context.Background(), TopicPetitionCPU, 10)
		assert.ErrorIs(t, err, models.ErrConnectionLost)
	})
}

func TestTopics(t *testing.T) {
	topic, err := PetitionTopic(models.ComputingPower)
	require.NoError(t, err)
	assert.Equal(t, TopicPetitionCPU, topic)

	topic, err = FreeTopic(models.Storage)
	require.NoError(t, err)
	assert.Equal(t, TopicFreeStorage, topic)

	_, err = FreeTopic("gpu")
	assert.Error(t, err)
	assert.Equal(t, "ledger.events.register", EventSubject(TopicRegister))
}
