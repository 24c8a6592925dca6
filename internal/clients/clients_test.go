package clients

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTracker_FiresAfterGraceDelay(t *testing.T) {
	tr := New(20*time.Millisecond, true)
	tr.Add("a")
	tr.Remove("a")

	select {
	case <-tr.Done():
	case <-time.After(time.Second):
		t.Fatal("shutdown never fired")
	}
}

func TestTracker_NewSubscriberCancelsTimer(t *testing.T) {
	tr := New(20*time.Millisecond, true)
	tr.Add("a")
	tr.Remove("a")
	tr.Add("b")

	select {
	case <-tr.Done():
		t.Fatal("shutdown fired despite active subscriber")
	case <-time.After(60 * time.Millisecond):
	}
	assert.Equal(t, 1, tr.Count())
}

func TestTracker_DisabledNeverFires(t *testing.T) {
	tr := New(10*time.Millisecond, false)
	tr.Add("a")
	tr.Remove("a")

	select {
	case <-tr.Done():
		t.Fatal("shutdown fired while auto-shutdown disabled")
	case <-time.After(50 * time.Millisecond):
	}
}
