package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmit_SubscriptionOrder(t *testing.T) {
	st := New()
	var order []int
	for i := 1; i <= 3; i++ {
		st.On("ping", func(Event) { order = append(order, i) })
	}

	st.Emit("ping", Event{})

	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestEmit_HandlerPanicDoesNotStopDelivery(t *testing.T) {
	st := New()
	var got []string
	st.On("ping", func(Event) { got = append(got, "first") })
	st.On("ping", func(Event) { panic("boom") })
	st.On("ping", func(Event) { got = append(got, "third") })

	assert.NotPanics(t, func() { st.Emit("ping", Event{}) })
	assert.Equal(t, []string{"first", "third"}, got)
}

func TestEmit_SetsName(t *testing.T) {
	st := New()
	var got Event
	st.On("custom", func(ev Event) { got = ev })

	st.Emit("custom", Event{Name: "ignored", Value: 1})

	assert.Equal(t, "custom", got.Name)
	assert.Equal(t, 1, got.Value)
}

func TestOff(t *testing.T) {
	st := New()
	count := 0
	sub := st.On("ping", func(Event) { count++ })

	st.Emit("ping", Event{})
	st.Off(sub)
	st.Off(sub)
	st.Emit("ping", Event{})

	assert.Equal(t, 1, count)
	assert.Equal(t, "ping", sub.Event())
	assert.NotPanics(t, func() { Subscription{}.Cancel() })
}

func TestOnce(t *testing.T) {
	st := New()
	count := 0
	st.Once("ping", func(Event) { count++ })

	st.Emit("ping", Event{})
	st.Emit("ping", Event{})

	assert.Equal(t, 1, count)
}

func TestOnce_ReentrantEmit(t *testing.T) {
	st := New()
	count := 0
	st.Once("ping", func(Event) {
		count++
		st.Emit("ping", Event{})
	})

	st.Emit("ping", Event{})

	assert.Equal(t, 1, count)
}

func TestHandlerMayUnsubscribeDuringEmit(t *testing.T) {
	st := New()
	var got []string
	var sub Subscription
	sub = st.On("ping", func(Event) {
		got = append(got, "a")
		sub.Cancel()
	})
	st.On("ping", func(Event) { got = append(got, "b") })

	st.Emit("ping", Event{})
	st.Emit("ping", Event{})

	assert.Equal(t, []string{"a", "b", "b"}, got)
}

func TestHandlerMayWriteStore(t *testing.T) {
	st := New()
	st.On("user", func(ev Event) {
		if ev.Origin == OriginLocal {
			st.Set("session.lastUser", ev.Value, WithOrigin(OriginRemote))
		}
	})

	st.Set("user", "ada")

	assert.Equal(t, "ada", st.Get("session.lastUser"))
}
