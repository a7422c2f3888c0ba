package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/warp/credit-engine/events"
	"github.com/warp/credit-engine/generic"
	"github.com/warp/credit-engine/generic/store"
)

type mockConn struct{ mock.Mock }

func (m *mockConn) Publish(subject string, data []byte) error {
	return m.Called(subject, data).Error(0)
}

func (m *mockConn) Close() { m.Called() }

func TestPublish_OnCommit(t *testing.T) {
	ctx := context.Background()
	conn := &mockConn{}
	var payload []byte
	conn.On("Publish", "ledger.transaction.created", mock.Anything).
		Run(func(args mock.Arguments) { payload = args.Get(1).([]byte) }).
		Return(nil)

	pub := events.NewPublisher(conn, "", nil)
	mem := store.NewMemory()
	ledger := generic.NewLedger(mem,
		generic.WithClock(generic.NewFixedClock(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))),
		generic.WithIDGenerator(func() string { return "tx-1" }),
		generic.WithCommitHook(pub.Publish),
	)

	// GIVEN: an account
	_, err := ledger.OpenAccount(ctx, "user-1")
	require.NoError(t, err)

	// WHEN: a credit commits
	_, err = ledger.Credit(ctx, "user-1", generic.MustParseAmount("12.5"), generic.TxPurchase, "Starter", map[string]any{"planId": "starter"})
	require.NoError(t, err)

	// THEN: one event describes it
	conn.AssertNumberOfCalls(t, "Publish", 1)
	var ev map[string]any
	require.NoError(t, json.Unmarshal(payload, &ev))
	assert.Equal(t, events.TransactionCreated, ev["type"])
	assert.Equal(t, "tx-1", ev["transactionId"])
	assert.Equal(t, "user-1", ev["principalId"])
	assert.Equal(t, "purchase", ev["kind"])
	assert.Equal(t, "12.50", ev["amount"])
	assert.Equal(t, "12.50", ev["balanceAfter"])
}

func TestPublish_NotCalledOnRejectedMutation(t *testing.T) {
	ctx := context.Background()
	conn := &mockConn{}
	pub := events.NewPublisher(conn, "credits.events", nil)
	ledger := generic.NewLedger(store.NewMemory(), generic.WithCommitHook(pub.Publish))

	_, err := ledger.OpenAccount(ctx, "user-1")
	require.NoError(t, err)
	_, err = ledger.Debit(ctx, "user-1", generic.MustParseAmount("1"), "reply", nil)
	require.ErrorIs(t, err, generic.ErrInsufficientCredits)

	conn.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
}

func TestPublish_FailureIsLoggedNotReturned(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	conn := &mockConn{}
	conn.On("Publish", "credits.events", mock.Anything).Return(errors.New("nats: connection closed"))

	pub := events.NewPublisher(conn, "credits.events", zap.New(core))
	pub.Publish(context.Background(), generic.Transaction{ID: "tx-9", Kind: generic.TxDebit, Amount: generic.MustParseAmount("1")})

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "Failed to publish ledger event", logs.All()[0].Message)
}

func TestClose(t *testing.T) {
	conn := &mockConn{}
	conn.On("Close").Return()
	events.NewPublisher(conn, "", nil).Close()
	conn.AssertExpectations(t)
}
