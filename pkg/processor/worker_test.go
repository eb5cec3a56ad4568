package processor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/opchat/opchat/pkg/broker"
	"github.com/opchat/opchat/pkg/config"
	"github.com/opchat/opchat/pkg/event"
	"github.com/opchat/opchat/pkg/store"
)

type fakeStore struct {
	existing    map[string]*store.Message
	getErr      error
	createErr   error
	createCalls int
}

func (f *fakeStore) GetByIdempotencyKey(ctx context.Context, key string) (*store.Message, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	if msg, ok := f.existing[key]; ok {
		return msg, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) CreateMessage(ctx context.Context, chatID, senderID, content, idempotencyKey string) (*store.Message, error) {
	f.createCalls++
	if f.createErr != nil {
		return nil, f.createErr
	}
	msg := &store.Message{
		ID:             "generated-id",
		ChatID:         chatID,
		SenderID:       senderID,
		Content:        content,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      time.Now().UTC(),
	}
	if f.existing == nil {
		f.existing = map[string]*store.Message{}
	}
	f.existing[idempotencyKey] = msg
	return msg, nil
}

type fakePublisher struct {
	published []*event.CreatedMessage
	chatIDs   []string
	err       error
}

func (f *fakePublisher) PublishCreated(ctx context.Context, chatID string, msg *event.CreatedMessage) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, msg)
	f.chatIDs = append(f.chatIDs, chatID)
	return nil
}

func newTestWorker(s store.MessageStore, p CreatedPublisher) *Worker {
	cfg := &config.Settings{
		Worker: config.WorkerSettings{
			MaxRetries:  3,
			BaseBackoff: time.Second,
			Prefetch:    1,
		},
	}
	return NewWorker(s, p, cfg, zap.NewNop())
}

func pendingDelivery(t *testing.T, msg event.PendingMessage, retryCount, maxRetries int) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(msg)
	assert.NoError(t, err)
	return amqp.Delivery{
		Body:      body,
		MessageId: msg.ID,
		Headers: amqp.Table{
			event.HeaderRetryCount:     int32(retryCount),
			event.HeaderMaxRetries:     int32(maxRetries),
			event.HeaderIdempotencyKey: msg.IdempotencyKey,
		},
	}
}

func TestHandle_PersistsAndPublishesCreated(t *testing.T) {
	fs := &fakeStore{}
	pub := &fakePublisher{}
	worker := newTestWorker(fs, pub)

	d := pendingDelivery(t, event.PendingMessage{
		ID:             "m1",
		ChatID:         "c1",
		SenderID:       "u1",
		Content:        "hello",
		IdempotencyKey: "k1",
	}, 0, 3)

	decision := worker.Handle(context.Background(), d)

	assert.Equal(t, broker.VerdictAck, decision.Verdict)
	assert.Len(t, pub.published, 1)
	assert.Equal(t, "c1", pub.chatIDs[0])
	assert.Equal(t, "c1", pub.published[0].ChatID)
	assert.Equal(t, "u1", pub.published[0].SenderID)
	assert.Equal(t, "hello", pub.published[0].Content)
	assert.Equal(t, 1, fs.createCalls)
}

func TestHandle_DuplicateKeyAcksAndReemitsExisting(t *testing.T) {
	existing := &store.Message{
		ID:             "m-original",
		ChatID:         "c1",
		SenderID:       "u1",
		Content:        "first write wins",
		IdempotencyKey: "k1",
		CreatedAt:      time.Now().UTC(),
	}
	fs := &fakeStore{existing: map[string]*store.Message{"k1": existing}}
	pub := &fakePublisher{}
	worker := newTestWorker(fs, pub)

	// Same key, different content: the redelivered duplicate must not win.
	d := pendingDelivery(t, event.PendingMessage{
		ID:             "m-duplicate",
		ChatID:         "c1",
		SenderID:       "u1",
		Content:        "second write loses",
		IdempotencyKey: "k1",
	}, 0, 3)

	decision := worker.Handle(context.Background(), d)

	assert.Equal(t, broker.VerdictAck, decision.Verdict)
	assert.Equal(t, 0, fs.createCalls)
	assert.Len(t, pub.published, 1)
	assert.Equal(t, "m-original", pub.published[0].ID)
	assert.Equal(t, "first write wins", pub.published[0].Content)
}

func TestHandle_MalformedBodyIsFinal(t *testing.T) {
	fs := &fakeStore{}
	pub := &fakePublisher{}
	worker := newTestWorker(fs, pub)

	d := amqp.Delivery{Body: []byte("{not json"), MessageId: "m1"}
	decision := worker.Handle(context.Background(), d)

	assert.Equal(t, broker.VerdictNackFinal, decision.Verdict)
	assert.Empty(t, pub.published)
	assert.Equal(t, 0, fs.createCalls)
}

func TestHandle_MissingFieldsIsFinal(t *testing.T) {
	fs := &fakeStore{}
	pub := &fakePublisher{}
	worker := newTestWorker(fs, pub)

	d := pendingDelivery(t, event.PendingMessage{
		ID:     "m1",
		ChatID: "c1",
		// sender, content, and idempotency key absent
	}, 0, 3)
	decision := worker.Handle(context.Background(), d)

	assert.Equal(t, broker.VerdictNackFinal, decision.Verdict)
	assert.Empty(t, pub.published)
}

func TestHandle_TransientFailureBacksOffExponentially(t *testing.T) {
	tests := []struct {
		name       string
		retryCount int
		wantDelay  time.Duration
	}{
		{"first failure", 0, 1 * time.Second},
		{"second failure", 1, 2 * time.Second},
		{"third failure", 2, 4 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := &fakeStore{createErr: errors.New("storage unavailable")}
			pub := &fakePublisher{}
			worker := newTestWorker(fs, pub)

			d := pendingDelivery(t, event.PendingMessage{
				ID:             "m1",
				ChatID:         "c1",
				SenderID:       "u1",
				Content:        "hello",
				IdempotencyKey: "k1",
			}, tt.retryCount, 3)

			decision := worker.Handle(context.Background(), d)

			assert.Equal(t, broker.VerdictNackRetry, decision.Verdict)
			assert.Equal(t, tt.wantDelay, decision.Delay)
			assert.Empty(t, pub.published)
		})
	}
}

func TestHandle_ExhaustedBudgetDeadLetters(t *testing.T) {
	fs := &fakeStore{createErr: errors.New("storage unavailable")}
	pub := &fakePublisher{}
	worker := newTestWorker(fs, pub)

	d := pendingDelivery(t, event.PendingMessage{
		ID:             "m2",
		ChatID:         "c1",
		SenderID:       "u1",
		Content:        "hello",
		IdempotencyKey: "k2",
	}, 3, 3)

	decision := worker.Handle(context.Background(), d)

	// Nacked without requeue exactly once; no further retry is scheduled.
	assert.Equal(t, broker.VerdictNackFinal, decision.Verdict)
	assert.Empty(t, pub.published)
}

func TestHandle_LookupFailureCountsAgainstBudget(t *testing.T) {
	fs := &fakeStore{getErr: errors.New("storage unavailable")}
	pub := &fakePublisher{}
	worker := newTestWorker(fs, pub)

	d := pendingDelivery(t, event.PendingMessage{
		ID:             "m1",
		ChatID:         "c1",
		SenderID:       "u1",
		Content:        "hello",
		IdempotencyKey: "k1",
	}, 1, 3)

	decision := worker.Handle(context.Background(), d)

	assert.Equal(t, broker.VerdictNackRetry, decision.Verdict)
	assert.Equal(t, 2*time.Second, decision.Delay)
	assert.Equal(t, 0, fs.createCalls)
}

func TestHandle_PublishFailureCountsAgainstBudget(t *testing.T) {
	fs := &fakeStore{}
	pub := &fakePublisher{err: errors.New("broker gone")}
	worker := newTestWorker(fs, pub)

	d := pendingDelivery(t, event.PendingMessage{
		ID:             "m1",
		ChatID:         "c1",
		SenderID:       "u1",
		Content:        "hello",
		IdempotencyKey: "k1",
	}, 0, 3)

	decision := worker.Handle(context.Background(), d)

	assert.Equal(t, broker.VerdictNackRetry, decision.Verdict)
	assert.Equal(t, 1*time.Second, decision.Delay)
}

func TestHandle_MissingHeadersFallBackToPolicy(t *testing.T) {
	fs := &fakeStore{createErr: errors.New("storage unavailable")}
	pub := &fakePublisher{}
	worker := newTestWorker(fs, pub)

	body, err := json.Marshal(event.PendingMessage{
		ID:             "m1",
		ChatID:         "c1",
		SenderID:       "u1",
		Content:        "hello",
		IdempotencyKey: "k1",
	})
	assert.NoError(t, err)

	// A re-injected message with stripped headers starts a fresh budget.
	decision := worker.Handle(context.Background(), amqp.Delivery{Body: body, MessageId: "m1"})

	assert.Equal(t, broker.VerdictNackRetry, decision.Verdict)
	assert.Equal(t, 1*time.Second, decision.Delay)
}
