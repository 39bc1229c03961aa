package notify_test

import (
	"testing"

	"github.com/kisaan/fulfillment-engine/generic"
	"github.com/kisaan/fulfillment-engine/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func event(name generic.EventName, id string) generic.Event {
	return generic.Event{Name: name, Entity: generic.EntityFulfillmentOffer, EntityID: id}
}

func TestBus_DeliversByPrefix_AndDrainsOnClose(t *testing.T) {
	// GIVEN: one subscriber for offers, one for everything
	// WHEN: offer and restock events are published and the bus is closed
	// THEN: each subscriber got exactly its events, in order, and its
	//       channel was closed after the drain

	bus := notify.NewBus(16)
	offers := make(chan generic.Event, 16)
	all := make(chan generic.Event, 16)
	require.NoError(t, bus.Subscribe("offers", "offer.", offers))
	require.NoError(t, bus.Subscribe("all", "", all))

	bus.Publish(event("offer.submitted", "O1"))
	bus.Publish(event("restock.created", "R1"))
	bus.Publish(event("offer.approved", "O1"))
	bus.Close()

	var gotOffers, gotAll []generic.EventName
	for e := range offers {
		gotOffers = append(gotOffers, e.Name)
	}
	for e := range all {
		gotAll = append(gotAll, e.Name)
	}
	assert.Equal(t, []generic.EventName{"offer.submitted", "offer.approved"}, gotOffers)
	assert.Equal(t, []generic.EventName{"offer.submitted", "restock.created", "offer.approved"}, gotAll)
	assert.Zero(t, bus.Dropped())
}

func TestBus_PublishAfterClose_Dropped(t *testing.T) {
	bus := notify.NewBus(1)
	bus.Close()
	bus.Close()

	assert.NotPanics(t, func() { bus.Publish(event("offer.submitted", "O1")) })
	assert.Equal(t, int64(1), bus.Dropped())
	assert.Error(t, bus.Subscribe("late", "", make(chan generic.Event)))
}

func TestBus_DuplicateSubscriber_Rejected(t *testing.T) {
	bus := notify.NewBus(1)
	defer bus.Close()

	require.NoError(t, bus.Subscribe("a", "", make(chan generic.Event, 1)))
	assert.Error(t, bus.Subscribe("a", "", make(chan generic.Event, 1)))
}

func TestRecorder_KeepsMostRecent(t *testing.T) {
	bus := notify.NewBus(16)
	rec, err := notify.Record(bus, "recorder", 2)
	require.NoError(t, err)

	bus.Publish(event("offer.submitted", "O1"))
	bus.Publish(event("offer.submitted", "O2"))
	bus.Publish(event("offer.submitted", "O3"))
	bus.Close()
	rec.Wait()

	got := rec.Events()
	require.Len(t, got, 2)
	assert.Equal(t, "O2", got[0].EntityID)
	assert.Equal(t, "O3", got[1].EntityID)
}
