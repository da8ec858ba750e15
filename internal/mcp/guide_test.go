package mcp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/haivemind/haivemind/internal/bus"
)

func TestSessionGuideTouch(t *testing.T) {
	g := newSessionGuide(bus.NewCache(time.Minute), time.Hour)

	assert.True(t, g.Touch("session-a"), "first touch guides the session")
	assert.False(t, g.Touch("session-a"), "second touch does not")
	assert.True(t, g.Touch("session-b"), "sessions are independent")
	assert.EqualValues(t, 3, g.Accesses())
}

func TestSessionGuideWindowExpiry(t *testing.T) {
	g := newSessionGuide(bus.NewCache(time.Minute), 10*time.Millisecond)

	assert.True(t, g.Touch("session-a"))
	assert.True(t, g.Guided("session-a"))

	time.Sleep(20 * time.Millisecond)
	assert.False(t, g.Guided("session-a"), "guidance lapses with the window")
	assert.True(t, g.Touch("session-a"), "a lapsed session is re-guided")
}

func TestSessionGuideGuidedUnknownSession(t *testing.T) {
	g := newSessionGuide(bus.NewCache(time.Minute), time.Hour)
	assert.False(t, g.Guided("never-seen"))
}
