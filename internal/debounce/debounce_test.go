package debounce

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func TestShouldTrigger_FirstOccurrence(t *testing.T) {
	d := New(DefaultWindow)
	assert.True(t, d.ShouldTrigger(t0, "nearby-entities-changed"))
	assert.True(t, d.ShouldTrigger(t0, "another-class"))
}

func TestShouldTrigger_BurstYieldsOne(t *testing.T) {
	d := New(750 * time.Millisecond)

	fired := 0
	for i := 0; i < 25; i++ {
		if d.ShouldTrigger(t0.Add(time.Duration(i)*20*time.Millisecond), "nearby-entities-changed") {
			fired++
		}
	}
	assert.Equal(t, 1, fired)
}

func TestShouldTrigger_AfterWindow(t *testing.T) {
	d := New(750 * time.Millisecond)

	assert.True(t, d.ShouldTrigger(t0, "c"))
	assert.False(t, d.ShouldTrigger(t0.Add(749*time.Millisecond), "c"))
	assert.True(t, d.ShouldTrigger(t0.Add(750*time.Millisecond), "c"))
	assert.False(t, d.ShouldTrigger(t0.Add(1*time.Second), "c"))
}

func TestShouldTrigger_ClassesIndependent(t *testing.T) {
	d := New(time.Second)

	assert.True(t, d.ShouldTrigger(t0, "a"))
	assert.True(t, d.ShouldTrigger(t0.Add(time.Millisecond), "b"))
	assert.False(t, d.ShouldTrigger(t0.Add(2*time.Millisecond), "a"))
}

func TestReset(t *testing.T) {
	d := New(time.Second)
	d.ShouldTrigger(t0, "a")
	d.Reset()
	assert.True(t, d.ShouldTrigger(t0.Add(time.Millisecond), "a"))
	assert.Equal(t, time.Second, d.Window())
}
