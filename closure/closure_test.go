package closure

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCompleteIdempotent(t *testing.T) {
	c := New()
	assert.False(t, c.IsDone())
	c.Complete()
	c.Complete()
	assert.True(t, c.IsDone())
	c.Wait() // must not block
}

func TestWaitAfterComplete(t *testing.T) {
	c := New()
	c.Complete()
	select {
	case <-c.Done():
	default:
		t.Fatal("Done channel should be closed")
	}
}

func TestWakeAllFiresEveryRegistrant(t *testing.T) {
	var w WaitList
	cs := []*Closure{New(), New(), New()}
	for _, c := range cs {
		w.Register(c)
	}
	assert.False(t, w.Empty())

	w.WakeAll()
	for _, c := range cs {
		assert.True(t, c.IsDone())
	}
	assert.True(t, w.Empty())
}

func TestRegisterAfterWake(t *testing.T) {
	var w WaitList
	w.WakeAll()

	late := New()
	w.Register(late)
	assert.False(t, late.IsDone(), "a late registrant waits for the next event")
	w.WakeAll()
	assert.True(t, late.IsDone())
}

func TestWaitBlocksUntilComplete(t *testing.T) {
	c := New()
	done := make(chan struct{})
	go func() {
		c.Wait()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Wait returned before Complete")
	case <-time.After(10 * time.Millisecond):
	}

	c.Complete()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Complete")
	}
}
