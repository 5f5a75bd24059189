package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/jeet-patel/recurring-donations-backend/internal/cache"
)

type recordingNotifier struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (n *recordingNotifier) record(s string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, s)
	return n.err
}

func (n *recordingNotifier) SendReceipt(ctx context.Context, paymentID string) error {
	return n.record("receipt:" + paymentID)
}

func (n *recordingNotifier) SendFailureNotification(ctx context.Context, subscriptionID, reason string) error {
	return n.record("failure:" + subscriptionID + ":" + reason)
}

func (n *recordingNotifier) SendChangeRequestUpdate(ctx context.Context, changeRequestID string) error {
	return n.record("change:" + changeRequestID)
}

func (n *recordingNotifier) Calls() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.calls...)
}

type receiptMarks struct {
	mu  sync.Mutex
	ids []string
}

func (m *receiptMarks) MarkReceiptSent(ctx context.Context, paymentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids = append(m.ids, paymentID)
	return nil
}

func (m *receiptMarks) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.ids...)
}

func TestDeliverRoutesByKind(t *testing.T) {
	n := &recordingNotifier{}
	ctx := context.Background()

	require.NoError(t, Deliver(ctx, n, Task{Kind: KindReceipt, PaymentID: "p1"}, time.Second))
	require.NoError(t, Deliver(ctx, n, Task{Kind: KindPaymentFailed, SubscriptionID: "s1", Reason: "declined"}, time.Second))
	require.NoError(t, Deliver(ctx, n, Task{Kind: KindChangeDecision, ChangeRequestID: "c1"}, time.Second))
	assert.Error(t, Deliver(ctx, n, Task{Kind: "sms"}, time.Second))

	assert.Equal(t, []string{"receipt:p1", "failure:s1:declined", "change:c1"}, n.Calls())
}

func TestLocalQueueFull(t *testing.T) {
	q := NewLocalQueue(1)
	ctx := context.Background()

	require.NoError(t, q.Dispatch(ctx, Task{Kind: KindReceipt}))
	assert.ErrorIs(t, q.Dispatch(ctx, Task{Kind: KindReceipt}), ErrQueueFull)
	assert.Equal(t, 1, q.Len())
}

func TestPoolDeliversAndMarksReceipts(t *testing.T) {
	q := NewLocalQueue(8)
	n := &recordingNotifier{}
	marks := &receiptMarks{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, q.Dispatch(ctx, Task{Kind: KindReceipt, PaymentID: "p1"}))
	require.NoError(t, q.Dispatch(ctx, Task{Kind: KindPaymentFailed, SubscriptionID: "s1", Reason: "declined"}))

	done := make(chan struct{})
	go func() {
		NewPool(q, n, marks, 2, time.Second, zap.NewNop()).Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return len(n.Calls()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"p1"}, marks.IDs())

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pool did not stop")
	}
}

func TestPoolLogsFailedDelivery(t *testing.T) {
	q := NewLocalQueue(8)
	n := &recordingNotifier{err: errors.New("smtp down")}
	marks := &receiptMarks{}
	core, logs := observer.New(zap.WarnLevel)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, q.Dispatch(ctx, Task{Kind: KindReceipt, PaymentID: "p1"}))
	go NewPool(q, n, marks, 1, time.Second, zap.New(core)).Run(ctx)

	assert.Eventually(t, func() bool {
		return logs.FilterMessage("notification delivery failed").Len() == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, marks.IDs())
}

func TestDrainStopsWhenQueueIsEmpty(t *testing.T) {
	q := NewLocalQueue(8)
	n := &recordingNotifier{}
	marks := &receiptMarks{}
	ctx := context.Background()
	require.NoError(t, q.Dispatch(ctx, Task{Kind: KindReceipt, PaymentID: "p1"}))
	require.NoError(t, q.Dispatch(ctx, Task{Kind: KindChangeDecision, ChangeRequestID: "cr1"}))

	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	start := time.Now()
	handled := NewPool(q, n, marks, 2, time.Second, zap.NewNop()).Drain(ctx)

	assert.Equal(t, 2, handled)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, []string{"receipt:p1", "change:cr1"}, n.Calls())
	assert.Equal(t, []string{"p1"}, marks.IDs())
	assert.Zero(t, q.Len())

	assert.Zero(t, NewPool(q, n, marks, 1, time.Second, zap.NewNop()).Drain(ctx))
}

func TestRedisQueueDrain(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	q := NewRedisQueue(cache.NewRedisWithClient(client), "notifications")
	n := &recordingNotifier{}
	ctx := context.Background()

	require.NoError(t, q.Dispatch(ctx, Task{Kind: KindReceipt, PaymentID: "p1"}))
	require.NoError(t, q.Dispatch(ctx, Task{Kind: KindReceipt, PaymentID: "p2"}))

	handled := NewPool(q, n, nil, 1, time.Second, zap.NewNop()).Drain(ctx)

	assert.Equal(t, 2, handled)
	assert.Equal(t, []string{"receipt:p1", "receipt:p2"}, n.Calls())
	assert.False(t, mr.Exists("notifications"))
}

func TestRedisQueueRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	q := NewRedisQueue(cache.NewRedisWithClient(client), "notifications")
	q.wait = 50 * time.Millisecond
	ctx := context.Background()

	require.NoError(t, q.Dispatch(ctx, Task{Kind: KindReceipt, PaymentID: "p1"}))
	require.NoError(t, q.Dispatch(ctx, Task{Kind: KindReceipt, PaymentID: "p2"}))

	first, err := q.Next(ctx)
	require.NoError(t, err)
	second, err := q.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "p1", first.PaymentID)
	assert.Equal(t, "p2", second.PaymentID)
}

func TestRedisQueueNextStopsOnCancel(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	q := NewRedisQueue(cache.NewRedisWithClient(client), "notifications")
	q.wait = 20 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := q.Next(ctx)

	assert.Error(t, err)
}

func TestRedisQueueRejectsGarbage(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	q := NewRedisQueue(cache.NewRedisWithClient(client), "notifications")
	_, err := mr.Lpush("notifications", "{not json")
	require.NoError(t, err)

	_, err = q.Next(context.Background())

	assert.ErrorContains(t, err, "decode")
}
