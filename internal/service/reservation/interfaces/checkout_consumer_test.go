package interfaces

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockhold/internal/pkg/mq"
	"stockhold/internal/service/reservation/domain"
)

type fakeReader struct {
	msgs chan kafka.Message

	mu        sync.Mutex
	committed []int64
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	r := &fakeReader{msgs: make(chan kafka.Message, len(msgs))}
	for _, m := range msgs {
		r.msgs <- m
	}
	return r
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

type dltWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
}

func (w *dltWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *dltWriter) all() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.msgs...)
}

type releaserFunc func(ctx context.Context, cartID, reason string) error

func (f releaserFunc) ReleaseWithReason(ctx context.Context, cartID, reason string) error {
	return f(ctx, cartID, reason)
}

func runConsumer(t *testing.T, a *CheckoutConsumerAdapter, reader *fakeReader, wantCommits int) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool { return len(reader.commits()) == wantCommits }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestCheckoutConsumerReleasesCart(t *testing.T) {
	var (
		mu       sync.Mutex
		released []string
	)
	releaser := releaserFunc(func(_ context.Context, cartID, reason string) error {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, domain.ReasonCheckout, reason)
		released = append(released, cartID)
		return nil
	})

	reader := newFakeReader(
		kafka.Message{Offset: 1, Value: []byte(`{"cartId":"cart-1","reason":"ORDER_PLACED"}`)},
		kafka.Message{Offset: 2, Value: []byte(`{"cartId":"cart-2","reason":"CART_ABANDONED"}`)},
	)
	dlt := &dltWriter{}
	a := NewCheckoutConsumerAdapter(reader, releaser, mq.NewFailureHandler(dlt))

	runConsumer(t, a, reader, 2)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"cart-1", "cart-2"}, released)
	assert.Equal(t, []int64{1, 2}, reader.commits())
	assert.Empty(t, dlt.all())
}

func TestCheckoutConsumerDeadLettersBadMessages(t *testing.T) {
	releaser := releaserFunc(func(_ context.Context, cartID, _ string) error {
		if cartID == "" {
			return errors.Wrap(domain.ErrInvalidArgument, "empty cart id")
		}
		return nil
	})

	reader := newFakeReader(
		kafka.Message{Topic: "checkout-closed", Offset: 7, Value: []byte(`not json`)},
		kafka.Message{Topic: "checkout-closed", Offset: 8, Value: []byte(`{"reason":"ORDER_PLACED"}`)},
	)
	dlt := &dltWriter{}
	a := NewCheckoutConsumerAdapter(reader, releaser, mq.NewFailureHandler(dlt))

	runConsumer(t, a, reader, 2)

	dead := dlt.all()
	require.Len(t, dead, 2)
	assert.Equal(t, "7", mq.Header(dead[0].Headers, mq.HeaderOriginalOffset))
	assert.Equal(t, "8", mq.Header(dead[1].Headers, mq.HeaderOriginalOffset))
	assert.Contains(t, mq.Header(dead[1].Headers, mq.HeaderExceptionMessage), "invalid argument")
}

func TestCheckoutConsumerRetriesTransientFailures(t *testing.T) {
	calls := 0
	releaser := releaserFunc(func(context.Context, string, string) error {
		calls++
		if calls < 3 {
			return errors.Wrap(domain.ErrUnavailable, "busy")
		}
		return nil
	})

	reader := newFakeReader(kafka.Message{Offset: 1, Value: []byte(`{"cartId":"cart-1"}`)})
	dlt := &dltWriter{}
	a := NewCheckoutConsumerAdapter(reader, releaser, mq.NewFailureHandler(dlt))
	a.backoff = time.Millisecond

	runConsumer(t, a, reader, 1)

	assert.Equal(t, 3, calls)
	assert.Empty(t, dlt.all())
}
