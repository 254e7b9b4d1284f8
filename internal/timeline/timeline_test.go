package timeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paycore/internal/common/database"
	"paycore/internal/common/events"
)

type fakeStore struct {
	byEventID map[string]*Record
	failNext  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{byEventID: make(map[string]*Record)}
}

func (f *fakeStore) CreateRecord(_ context.Context, rec *Record) error {
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return err
	}
	if _, ok := f.byEventID[rec.EventID]; ok {
		return fmt.Errorf("timeline event %s: %w", rec.EventID, database.ErrAlreadyExists)
	}
	cp := *rec
	f.byEventID[rec.EventID] = &cp
	return nil
}

func (f *fakeStore) ListRecords(_ context.Context, providerID string, _, _ int) ([]*Record, error) {
	var out []*Record
	for _, rec := range f.byEventID {
		if rec.ProviderID == providerID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func newRecorder(store *fakeStore) *Recorder {
	return NewRecorder(store, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func chargeEvent(t *testing.T) *events.Event {
	t.Helper()
	e, err := events.NewEvent(events.EventChargeSucceeded, "prov_1", "invoice", "inv_1", events.ChargeSucceededData{
		Channel:       "invoice",
		LedgerEntryID: "le_1",
		GrossCents:    10000,
		FeeCents:      420,
		NetCents:      9580,
		Currency:      "usd",
	})
	require.NoError(t, err)
	return e
}

func TestHandleRecordsEvent(t *testing.T) {
	store := newFakeStore()
	rec := newRecorder(store)
	e := chargeEvent(t)

	require.NoError(t, rec.Handle(context.Background(), e))

	saved := store.byEventID[e.ID]
	require.NotNil(t, saved)
	assert.Equal(t, events.EventChargeSucceeded, saved.EventType)
	assert.Equal(t, "prov_1", saved.ProviderID)
	assert.Equal(t, "inv_1", saved.AggregateID)
	assert.JSONEq(t, string(e.Data), string(saved.Data))
}

func TestHandleAcksRedelivery(t *testing.T) {
	store := newFakeStore()
	rec := newRecorder(store)
	e := chargeEvent(t)

	require.NoError(t, rec.Handle(context.Background(), e))
	require.NoError(t, rec.Handle(context.Background(), e), "a redelivered event must not error into a nak loop")
	assert.Len(t, store.byEventID, 1)
}

func TestHandlePropagatesStoreFailure(t *testing.T) {
	store := newFakeStore()
	store.failNext = fmt.Errorf("connection reset")
	rec := newRecorder(store)

	err := rec.Handle(context.Background(), chargeEvent(t))
	require.Error(t, err, "a transient store failure naks for redelivery")
}
