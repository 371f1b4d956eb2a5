package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublish_DeliversToAllSubscribers(t *testing.T) {
	b := New(8)
	sub1 := b.Subscribe()
	sub2 := b.Subscribe()
	defer sub1.Close()
	defer sub2.Close()

	b.Publish(Event{Kind: "Ping"})

	select {
	case ev := <-sub1.Events():
		assert.Equal(t, "Ping", ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("sub1 did not receive event")
	}
	select {
	case ev := <-sub2.Events():
		assert.Equal(t, "Ping", ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("sub2 did not receive event")
	}
}

func TestPublish_OldestDropUnderBackpressureForDroppableKinds(t *testing.T) {
	b := New(2)
	sub := b.Subscribe()
	defer sub.Close()

	b.Publish(Event{Kind: "A"})
	b.Publish(Event{Kind: "B"})
	b.Publish(Event{Kind: "C"}) // queue full, "A" should be dropped

	first := <-sub.Events()
	second := <-sub.Events()
	assert.Equal(t, "B", first.Kind)
	assert.Equal(t, "C", second.Kind)
}

func TestPublish_NeverDropsStateChangedEvenUnderBackpressure(t *testing.T) {
	b := New(1)
	sub := b.Subscribe()
	defer sub.Close()

	b.Publish(Event{Kind: "Filler"})

	done := make(chan struct{})
	go func() {
		b.Publish(Event{Kind: "StateChanged"})
		close(done)
	}()

	// Drain the filler so the blocking Publish of the never-drop event
	// can complete.
	<-sub.Events()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("never-drop publish never completed")
	}

	ev := <-sub.Events()
	assert.Equal(t, "StateChanged", ev.Kind)
}

func TestClose_UnregistersSubscriberAndIsIdempotent(t *testing.T) {
	b := New(4)
	sub := b.Subscribe()
	sub.Close()
	sub.Close() // must not panic

	b.Publish(Event{Kind: "after-close"})

	_, ok := <-sub.Events()
	assert.False(t, ok, "channel must be closed")
}

func TestClose_UnblocksAPendingNeverDropDeliveryInsteadOfDeadlocking(t *testing.T) {
	b := New(1)
	sub := b.Subscribe()

	b.Publish(Event{Kind: "Filler"}) // fills the only queue slot

	publishDone := make(chan struct{})
	go func() {
		b.Publish(Event{Kind: "StateChanged"}) // blocks: never-drop, queue full
		close(publishDone)
	}()

	// Give the blocking Publish a chance to actually park on the send
	// before Close races it; this is a best-effort nudge, not a
	// correctness requirement.
	time.Sleep(10 * time.Millisecond)

	closeDone := make(chan struct{})
	go func() {
		sub.Close()
		close(closeDone)
	}()

	select {
	case <-closeDone:
	case <-time.After(time.Second):
		t.Fatal("Close deadlocked against a pending never-drop delivery")
	}
	select {
	case <-publishDone:
	case <-time.After(time.Second):
		t.Fatal("blocked Publish was never released by Close")
	}
}

func TestNeverDrop_OnlyCoversTheSpecifiedKinds(t *testing.T) {
	require.True(t, NeverDrop("StateChanged"))
	require.True(t, NeverDrop("ResetRequested"))
	require.False(t, NeverDrop("CredentialsReceived"))
}
