package progressbus

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcastDeliversOnlyToSubscribedTenant(t *testing.T) {
	b := New()
	subA := NewChannelSubscriber(4)
	subB := NewChannelSubscriber(4)
	b.Subscribe("tenantA", subA)
	b.Subscribe("tenantB", subB)

	b.Broadcast("tenantA", Envelope{Type: TypeJobProgress, JobID: "j1", Progress: 0.5})

	select {
	case env := <-subA.C():
		assert.Equal(t, "j1", env.JobID)
	case <-time.After(time.Second):
		t.Fatal("tenantA subscriber never received the envelope")
	}

	select {
	case env := <-subB.C():
		t.Fatalf("tenantB subscriber unexpectedly received %+v", env)
	default:
	}
}

func TestBroadcastToUnknownTenantIsNoop(t *testing.T) {
	b := New()
	assert.NotPanics(t, func() {
		b.Broadcast("ghost", Envelope{Type: TypePing})
	})
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	sub := NewChannelSubscriber(4)
	b.Subscribe("t1", sub)
	require.Equal(t, 1, b.SubscriberCount("t1"))

	b.Unsubscribe("t1", sub)
	assert.Equal(t, 0, b.SubscriberCount("t1"))

	b.Broadcast("t1", Envelope{Type: TypePing})
	select {
	case env := <-sub.C():
		t.Fatalf("unsubscribed subscriber received %+v", env)
	default:
	}
}

type failingSubscriber struct{}

func (failingSubscriber) Send(Envelope) error { return errors.New("boom") }

func TestBroadcastDropsFailingSubscriber(t *testing.T) {
	b := New()
	f := failingSubscriber{}
	b.Subscribe("t1", f)
	require.Equal(t, 1, b.SubscriberCount("t1"))

	b.Broadcast("t1", Envelope{Type: TypePing})
	assert.Equal(t, 0, b.SubscriberCount("t1"))
}

func TestChannelSubscriberSendNeverBlocksWhenFull(t *testing.T) {
	sub := NewChannelSubscriber(1)
	require.NoError(t, sub.Send(Envelope{Type: TypePing}))
	assert.NoError(t, sub.Send(Envelope{Type: TypePong}), "a full buffer drops, it does not block or error")
}
