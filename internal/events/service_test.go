package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/dossier/internal/models"
)

func setupService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(nil, arbor.NewLogger())
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc
}

func openStore(t *testing.T) *badgerhold.Store {
	t.Helper()
	dir := t.TempDir()
	opts := badgerhold.DefaultOptions
	opts.Dir = dir
	opts.ValueDir = dir
	opts.Logger = nil
	store, err := badgerhold.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestService_PublishDelivers(t *testing.T) {
	svc := setupService(t)

	received := make(chan models.Event, 1)
	_, err := svc.Subscribe("document.*", func(ctx context.Context, e models.Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, svc.Publish(context.Background(), models.Event{
		Type:    models.EventDocumentIngested,
		Payload: map[string]interface{}{"document_id": "doc_1"},
	}))

	select {
	case e := <-received:
		assert.Equal(t, models.EventDocumentIngested, e.Type)
		assert.NotEmpty(t, e.ID)
		assert.False(t, e.Timestamp.IsZero())
		assert.Equal(t, "core", e.Source)
		assert.Equal(t, uint64(1), e.Sequence)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestService_NonMatchingPatternIgnored(t *testing.T) {
	svc := setupService(t)

	var calls atomic.Int32
	_, err := svc.Subscribe("stage.*.completed", func(ctx context.Context, e models.Event) error {
		calls.Add(1)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, svc.PublishSync(context.Background(), models.Event{Type: "document.ingested"}))
	assert.Equal(t, int32(0), calls.Load())
}

func TestService_SequencePerSource(t *testing.T) {
	svc := setupService(t)
	ctx := context.Background()

	var mu sync.Mutex
	bySource := make(map[string][]uint64)
	_, err := svc.Subscribe("*", func(_ context.Context, e models.Event) error {
		mu.Lock()
		bySource[e.Source] = append(bySource[e.Source], e.Sequence)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, svc.PublishSync(ctx, models.Event{Type: "a.b", Source: "core"}))
		require.NoError(t, svc.PublishSync(ctx, models.Event{Type: "a.b", Source: "entities"}))
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []uint64{1, 2, 3}, bySource["core"])
	assert.Equal(t, []uint64{1, 2, 3}, bySource["entities"])
}

func TestService_PublishSyncReportsHandlerErrors(t *testing.T) {
	svc := setupService(t)

	_, err := svc.Subscribe("a.b", func(ctx context.Context, e models.Event) error {
		return errors.New("handler boom")
	})
	require.NoError(t, err)
	_, err = svc.Subscribe("a.*", func(ctx context.Context, e models.Event) error {
		return nil
	})
	require.NoError(t, err)

	err = svc.PublishSync(context.Background(), models.Event{Type: "a.b"})
	assert.Error(t, err)
}

// A blocked subscriber must not stall publishers; overflow drops the
// oldest queued event and counts it.
func TestService_SlowSubscriberDropsOldest(t *testing.T) {
	svc := setupService(t)
	ctx := context.Background()

	block := make(chan struct{})
	sub, err := svc.Subscribe("flood.*", func(_ context.Context, e models.Event) error {
		<-block
		return nil
	})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < defaultQueueSize+50; i++ {
			svc.Publish(ctx, models.Event{Type: "flood.tick"})
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}

	assert.Greater(t, sub.Dropped(), uint64(0))
	close(block)
}

func TestService_CancelStopsDelivery(t *testing.T) {
	svc := setupService(t)

	var calls atomic.Int32
	sub, err := svc.Subscribe("a.b", func(ctx context.Context, e models.Event) error {
		calls.Add(1)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, svc.PublishSync(context.Background(), models.Event{Type: "a.b"}))
	before := calls.Load()

	sub.Cancel()
	require.NoError(t, svc.Publish(context.Background(), models.Event{Type: "a.b"}))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, before, calls.Load())
}

func TestService_SessionLog(t *testing.T) {
	store := openStore(t)
	svc, err := NewService(store, arbor.NewLogger())
	require.NoError(t, err)
	defer svc.Close()

	ctx := context.Background()
	require.NoError(t, svc.Publish(ctx, models.Event{Type: "document.ingested"}))
	require.NoError(t, svc.Publish(ctx, models.Event{Type: "document.processed"}))
	require.NoError(t, svc.Publish(ctx, models.Event{Type: "document.ingested"}))

	all, err := svc.SessionLog(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	ingested, err := svc.SessionLog(ctx, "document.ingested", 10)
	require.NoError(t, err)
	assert.Len(t, ingested, 2)
}

func TestService_SessionLogTruncatedOnStartup(t *testing.T) {
	store := openStore(t)

	svc, err := NewService(store, arbor.NewLogger())
	require.NoError(t, err)
	require.NoError(t, svc.Publish(context.Background(), models.Event{Type: "document.ingested"}))
	require.NoError(t, svc.Close())

	// A new session over the same store starts with an empty log
	svc2, err := NewService(store, arbor.NewLogger())
	require.NoError(t, err)
	defer svc2.Close()

	events, err := svc2.SessionLog(context.Background(), "", 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}
