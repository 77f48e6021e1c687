package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFansOut(t *testing.T) {
	b := New()
	_, ch1 := b.Subscribe(4)
	_, ch2 := b.Subscribe(4)

	b.Emit(TaskEnqueued, "t1", "", nil)

	e1 := <-ch1
	e2 := <-ch2
	assert.Equal(t, TaskEnqueued, e1.Type)
	assert.Equal(t, "t1", e1.ResourceID)
	assert.Equal(t, e1.ID, e2.ID)
	assert.NotEmpty(t, e1.ID)
	assert.False(t, e1.CreatedAt.IsZero())
}

func TestSlowSubscriberDropsNotBlocks(t *testing.T) {
	b := New()
	_, ch := b.Subscribe(1)

	b.Emit(TaskEnqueued, "t1", "", nil)
	b.Emit(TaskEnqueued, "t2", "", nil) // buffer full, dropped

	e := <-ch
	assert.Equal(t, "t1", e.ResourceID)
	select {
	case e := <-ch:
		t.Fatalf("unexpected event %s", e.ResourceID)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	id, ch := b.Subscribe(1)

	b.Unsubscribe(id)
	_, open := <-ch
	assert.False(t, open)

	// Publishing after unsubscribe must not panic.
	require.NotPanics(t, func() { b.Emit(TaskEnqueued, "t1", "", nil) })
}
