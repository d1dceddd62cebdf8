package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWatchdogLatch(t *testing.T) {
	start := time.Unix(0, 0)
	w := NewWatchdog(120*time.Second, start)

	assert.False(t, w.Check(start.Add(119*time.Second), true), "below threshold")
	assert.False(t, w.Check(start.Add(200*time.Second), false), "idle pipelines never stall")

	assert.True(t, w.Check(start.Add(121*time.Second), true), "fires once the threshold passes")
	assert.True(t, w.Latched())
	assert.False(t, w.Check(start.Add(130*time.Second), true), "latched for the rest of the episode")
	assert.False(t, w.Check(start.Add(500*time.Second), true))

	w.Touch(start.Add(501 * time.Second))
	assert.False(t, w.Latched(), "activity clears the latch")
	assert.False(t, w.Check(start.Add(600*time.Second), true))
	assert.True(t, w.Check(start.Add(622*time.Second), true), "a new stall episode fires again")
}

func TestDeltaBufferMergesByStage(t *testing.T) {
	var b deltaBuffer
	assert.True(t, b.empty())

	b.add("research", "a")
	b.add("research", "b")
	b.add("gap-analysis", "c")
	b.add("research", "d")

	assert.Equal(t, []Delta{
		{Stage: "research", Text: "ab"},
		{Stage: "gap-analysis", Text: "c"},
		{Stage: "research", Text: "d"},
	}, b.take())
	assert.True(t, b.empty())
}
