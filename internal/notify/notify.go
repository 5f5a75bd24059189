// Package notify turns best-effort donor notifications into queued tasks that a
// worker pool delivers outside the payment state machine.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

type Kind string

const (
	KindReceipt        Kind = "receipt"
	KindPaymentFailed  Kind = "payment_failed"
	KindChangeDecision Kind = "change_request"
)

// Task is one queued notification.
type Task struct {
	Kind            Kind      `json:"kind"`
	PaymentID       string    `json:"payment_id,omitempty"`
	SubscriptionID  string    `json:"subscription_id,omitempty"`
	ChangeRequestID string    `json:"change_request_id,omitempty"`
	Reason          string    `json:"reason,omitempty"`
	EnqueuedAt      time.Time `json:"enqueued_at"`
}

// Dispatcher enqueues tasks. Dispatch must not block on delivery.
type Dispatcher interface {
	Dispatch(ctx context.Context, task Task) error
}

// Source yields queued tasks to workers.
type Source interface {
	Next(ctx context.Context) (Task, error)
}

// Drainer is a Source that can report an empty queue without waiting.
type Drainer interface {
	TryNext(ctx context.Context) (task Task, ok bool, err error)
}

// Notifier delivers notifications to donors.
type Notifier interface {
	SendReceipt(ctx context.Context, paymentID string) error
	SendFailureNotification(ctx context.Context, subscriptionID, reason string) error
	SendChangeRequestUpdate(ctx context.Context, changeRequestID string) error
}

// ReceiptMarker records that a receipt went out.
type ReceiptMarker interface {
	MarkReceiptSent(ctx context.Context, paymentID string) error
}

// Deliver sends one task through n under timeout.
func Deliver(ctx context.Context, n Notifier, task Task, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch task.Kind {
	case KindReceipt:
		return n.SendReceipt(ctx, task.PaymentID)
	case KindPaymentFailed:
		return n.SendFailureNotification(ctx, task.SubscriptionID, task.Reason)
	case KindChangeDecision:
		return n.SendChangeRequestUpdate(ctx, task.ChangeRequestID)
	}
	return fmt.Errorf("unknown notification kind %q", task.Kind)
}

// LogNotifier writes notifications to the log. It stands in for an email/SMS
// channel.
type LogNotifier struct {
	log *zap.Logger
}

func NewLogNotifier(log *zap.Logger) *LogNotifier {
	return &LogNotifier{log: log.Named("notifier")}
}

func (n *LogNotifier) SendReceipt(ctx context.Context, paymentID string) error {
	n.log.Info("receipt sent", zap.String("payment_id", paymentID))
	return nil
}

func (n *LogNotifier) SendFailureNotification(ctx context.Context, subscriptionID, reason string) error {
	n.log.Info("payment failure notice sent",
		zap.String("subscription_id", subscriptionID),
		zap.String("reason", reason),
	)
	return nil
}

func (n *LogNotifier) SendChangeRequestUpdate(ctx context.Context, changeRequestID string) error {
	n.log.Info("change request update sent", zap.String("change_request_id", changeRequestID))
	return nil
}

// Pool runs workers that pull tasks from a Source and deliver them.
type Pool struct {
	source   Source
	notifier Notifier
	receipts ReceiptMarker
	workers  int
	timeout  time.Duration
	log      *zap.Logger
}

func NewPool(source Source, notifier Notifier, receipts ReceiptMarker, workers int, timeout time.Duration, log *zap.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		source:   source,
		notifier: notifier,
		receipts: receipts,
		workers:  workers,
		timeout:  timeout,
		log:      log.Named("notify.pool"),
	}
}

// Run blocks until ctx is done.
func (p *Pool) Run(ctx context.Context) {
	done := make(chan struct{})
	for i := 0; i < p.workers; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			p.work(ctx)
		}()
	}
	for i := 0; i < p.workers; i++ {
		<-done
	}
}

// Drain delivers the tasks already queued and returns once the queue is
// empty or ctx is done. It reports how many tasks it handled. A source that
// cannot report an empty queue is served until ctx is done.
func (p *Pool) Drain(ctx context.Context) int {
	d, ok := p.source.(Drainer)
	if !ok {
		p.Run(ctx)
		return 0
	}
	n := 0
	for ctx.Err() == nil {
		task, ok, err := d.TryNext(ctx)
		if err != nil {
			p.log.Warn("failed to read notification task; stopping drain", zap.Error(err))
			return n
		}
		if !ok {
			return n
		}
		p.handle(ctx, task)
		n++
	}
	return n
}

func (p *Pool) work(ctx context.Context) {
	for {
		task, err := p.source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Warn("failed to read notification task", zap.Error(err))
			continue
		}
		p.handle(ctx, task)
	}
}

func (p *Pool) handle(ctx context.Context, task Task) {
	fields := []zap.Field{
		zap.String("kind", string(task.Kind)),
		zap.String("payment_id", task.PaymentID),
		zap.String("subscription_id", task.SubscriptionID),
	}
	if err := Deliver(ctx, p.notifier, task, p.timeout); err != nil {
		p.log.Warn("notification delivery failed", append(fields, zap.Error(err))...)
		return
	}
	if task.Kind == KindReceipt && p.receipts != nil {
		if err := p.receipts.MarkReceiptSent(ctx, task.PaymentID); err != nil {
			p.log.Warn("failed to mark receipt sent", append(fields, zap.Error(err))...)
		}
	}
}

// ErrQueueFull is returned by LocalQueue when its buffer is exhausted.
var ErrQueueFull = errors.New("notification queue full")

// LocalQueue is an in-process Dispatcher and Source backed by a channel.
type LocalQueue struct {
	tasks chan Task
}

func NewLocalQueue(size int) *LocalQueue {
	return &LocalQueue{tasks: make(chan Task, size)}
}

func (q *LocalQueue) Dispatch(ctx context.Context, task Task) error {
	select {
	case q.tasks <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *LocalQueue) Next(ctx context.Context) (Task, error) {
	select {
	case task := <-q.tasks:
		return task, nil
	case <-ctx.Done():
		return Task{}, ctx.Err()
	}
}

func (q *LocalQueue) TryNext(ctx context.Context) (Task, bool, error) {
	select {
	case task := <-q.tasks:
		return task, true, nil
	default:
		return Task{}, false, nil
	}
}

// Len reports how many tasks are waiting.
func (q *LocalQueue) Len() int { return len(q.tasks) }
