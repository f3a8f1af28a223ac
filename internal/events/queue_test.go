package events

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/certfleet/internal/model"
)

func TestEmitAndDrain(t *testing.T) {
	q := NewQueue(8, zerolog.Nop())

	q.Emit(model.Event{Kind: model.EventIssued, CertificateID: "c1"})
	q.Emit(model.Event{Kind: model.EventRenewed, CertificateID: "c2"})

	evs := q.Drain()
	require.Len(t, evs, 2)
	assert.Equal(t, model.EventIssued, evs[0].Kind)
	assert.False(t, evs[0].Timestamp.IsZero(), "Emit should stamp the time")
	assert.Equal(t, 0, q.Len())
}

func TestFullQueue_DropsOldestSameKindAndCert(t *testing.T) {
	q := NewQueue(2, zerolog.Nop())

	q.Emit(model.Event{Kind: model.EventExpiring, CertificateID: "c1", Details: "first"})
	q.Emit(model.Event{Kind: model.EventIssued, CertificateID: "c2"})
	// Queue is full; the oldest expiring/c1 event should be evicted.
	q.Emit(model.Event{Kind: model.EventExpiring, CertificateID: "c1", Details: "second"})

	evs := q.Drain()
	require.Len(t, evs, 2)
	assert.Equal(t, model.EventIssued, evs[0].Kind)
	assert.Equal(t, "second", evs[1].Details)
	assert.Equal(t, int64(1), q.Dropped())
}

func TestFullQueue_NoSameKindFallsBackToOldest(t *testing.T) {
	q := NewQueue(2, zerolog.Nop())

	q.Emit(model.Event{Kind: model.EventIssued, CertificateID: "c1"})
	q.Emit(model.Event{Kind: model.EventRenewed, CertificateID: "c2"})
	q.Emit(model.Event{Kind: model.EventRevoked, CertificateID: "c3"})

	evs := q.Drain()
	require.Len(t, evs, 2)
	assert.Equal(t, model.EventRenewed, evs[0].Kind)
	assert.Equal(t, model.EventRevoked, evs[1].Kind)
}

func TestWait_SignalsOnEmit(t *testing.T) {
	q := NewQueue(4, zerolog.Nop())

	select {
	case <-q.Wait():
		t.Fatal("no signal expected before any emit")
	default:
	}

	q.Emit(model.Event{Kind: model.EventIssued, CertificateID: "c1"})

	select {
	case <-q.Wait():
	default:
		t.Fatal("expected a signal after emit")
	}
}
