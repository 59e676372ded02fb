package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/gofrs/uuid/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

type fakeChannel struct {
	declared   []string
	published  []amqp.Publishing
	keys       []string
	publishErr error
	closed     bool
}

func (f *fakeChannel) QueueDeclare(name string, durable, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	if !durable {
		return amqp.Queue{}, errors.New("queue must be durable")
	}
	f.declared = append(f.declared, name)
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.keys = append(f.keys, exchange+"/"+key)
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeChannel) Close() error { f.closed = true; return nil }

func newTestPublisher(t *testing.T, chans ...*fakeChannel) (*AMQP, *int) {
	t.Helper()
	dials := 0
	p := NewAMQP("amqp://test", zaptest.NewLogger(t))
	p.dial = func(string) (channel, func() error, error) {
		if dials >= len(chans) {
			return nil, nil, errors.New("broker down")
		}
		ch := chans[dials]
		dials++
		return ch, func() error { return nil }, nil
	}
	return p, &dials
}

func TestAMQP_PublishDeclaresOnceAndPersists(t *testing.T) {
	ch := &fakeChannel{}
	p, dials := newTestPublisher(t, ch)
	ctx := context.Background()

	ev := SaleCompleted{SaleID: uuid.Must(uuid.NewV4()), DeviceID: "imei"}
	require.NoError(t, p.Publish(ctx, QueueSaleCompleted, ev))
	require.NoError(t, p.Publish(ctx, QueuePaymentRecorded, PaymentRecorded{Amount: 5}))

	require.Equal(t, 1, *dials)
	require.ElementsMatch(t, Queues, ch.declared)
	require.Equal(t, []string{"/sale.completed", "/payment.recorded"}, ch.keys)
	require.Equal(t, amqp.Persistent, ch.published[0].DeliveryMode)
	require.Equal(t, "application/json", ch.published[0].ContentType)

	var got SaleCompleted
	require.NoError(t, json.Unmarshal(ch.published[0].Body, &got))
	require.Equal(t, ev.SaleID, got.SaleID)
}

func TestAMQP_ReconnectsAfterPublishFailure(t *testing.T) {
	bad := &fakeChannel{publishErr: errors.New("channel closed")}
	good := &fakeChannel{}
	p, dials := newTestPublisher(t, bad, good)
	ctx := context.Background()

	require.Error(t, p.Publish(ctx, QueueCommandIssued, CommandIssued{}))
	require.True(t, bad.closed)
	require.NoError(t, p.Publish(ctx, QueueCommandIssued, CommandIssued{}))
	require.Equal(t, 2, *dials)
	require.Len(t, good.published, 1)
}

func TestAMQP_DialError(t *testing.T) {
	p, _ := newTestPublisher(t)
	err := p.Publish(context.Background(), QueueWebhookUnmatched, WebhookUnmatched{})
	require.ErrorContains(t, err, "broker down")
	require.NoError(t, p.Close())
}

type failingPublisher struct{ calls int }

func (f *failingPublisher) Publish(context.Context, string, any) error {
	f.calls++
	return errors.New("nope")
}
func (f *failingPublisher) Close() error { return nil }

func TestLogging_SwallowsErrors(t *testing.T) {
	next := &failingPublisher{}
	var p Publisher = Logging{Next: next, Log: zap.NewNop()}
	require.NoError(t, p.Publish(context.Background(), QueueSaleCompleted, nil))
	require.Equal(t, 1, next.calls)
	require.NoError(t, Nop{}.Publish(context.Background(), "x", nil))
}
