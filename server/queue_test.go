package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestActionQueueFIFO(t *testing.T) {
	var q actionQueue
	q.enqueue(Action{Kind: ActionCompile})
	q.enqueue(Action{Kind: ActionTestStart, Mode: TestModePlay})
	q.enqueue(Action{Kind: ActionRefresh, Force: true})

	assert.Equal(t, 3, q.len())

	drained := q.drain()
	if assert.Len(t, drained, 3) {
		assert.Equal(t, ActionCompile, drained[0].Kind)
		assert.Equal(t, ActionTestStart, drained[1].Kind)
		assert.Equal(t, TestModePlay, drained[1].Mode)
		assert.Equal(t, ActionRefresh, drained[2].Kind)
		assert.True(t, drained[2].Force)
	}

	// Drained exactly once; the queue is empty afterwards.
	assert.Equal(t, 0, q.len())
	assert.Empty(t, q.drain())
}

func TestActionQueueDrainSnapshot(t *testing.T) {
	var q actionQueue
	q.enqueue(Action{Kind: ActionCompile})
	drained := q.drain()

	// Anything enqueued after the drain waits for the next tick.
	q.enqueue(Action{Kind: ActionRefresh})
	assert.Len(t, drained, 1)
	assert.Equal(t, 1, q.len())
}

func TestActionKindString(t *testing.T) {
	assert.Equal(t, "compile", ActionCompile.String())
	assert.Equal(t, "test-start", ActionTestStart.String())
	assert.Equal(t, "refresh", ActionRefresh.String())
	assert.Equal(t, "settings-load", ActionSettingsLoad.String())
	assert.Equal(t, "unknown", ActionKind(99).String())
}
