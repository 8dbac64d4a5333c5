package pipeline

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDedupWindowObserve(t *testing.T) {
	w := newDedupWindow()

	assert.False(t, w.Observe("a1"), "first sighting is not a duplicate")
	assert.True(t, w.Observe("a1"), "second sighting is a duplicate")
	assert.False(t, w.Observe("a2"))
	assert.True(t, w.Observe("a1"), "still inside the window")
}

func TestDedupWindowAgesOut(t *testing.T) {
	w := newDedupWindow()

	assert.False(t, w.Observe("first"))
	// Push the window fully past "first".
	for i := 0; i < dedupWindowSize; i++ {
		w.Observe(fmt.Sprintf("filler-%d", i))
	}
	assert.False(t, w.Observe("first"), "id outside the horizon is accepted again")
}

func TestDedupWindowIndependentSessions(t *testing.T) {
	a := newDedupWindow()
	b := newDedupWindow()

	assert.False(t, a.Observe("x"))
	assert.False(t, b.Observe("x"), "windows are per session")
}
