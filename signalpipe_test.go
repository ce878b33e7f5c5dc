// SPDX-License-Identifier: GPL-3.0-or-later

package tunneld

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSignalPipe(t *testing.T) {
	sp, err := NewSignalPipe()
	require.NoError(t, err)
	require.NotNil(t, sp)
	defer sp.Close()

	assert.NotZero(t, sp.ReadFD())
}

func TestSignalPipePostAndDrain(t *testing.T) {
	sp, err := NewSignalPipe()
	require.NoError(t, err)
	defer sp.Close()

	sp.Post(EventReloadConfig)

	event, ok, needsRebuild := sp.Drain()
	require.True(t, ok)
	assert.False(t, needsRebuild)
	assert.Equal(t, EventReloadConfig, event)
}

func TestSignalPipeDrainEmpty(t *testing.T) {
	sp, err := NewSignalPipe()
	require.NoError(t, err)
	defer sp.Close()

	_, ok, needsRebuild := sp.Drain()
	assert.False(t, ok)
	assert.False(t, needsRebuild)
}

func TestSignalPipeFIFOOrder(t *testing.T) {
	sp, err := NewSignalPipe()
	require.NoError(t, err)
	defer sp.Close()

	sp.Post(EventReloadConfig)
	sp.Post(EventReopenLog)
	sp.Post(EventTerminate)

	var got []Event
	for range 3 {
		event, ok, _ := sp.Drain()
		require.True(t, ok)
		got = append(got, event)
	}

	assert.Equal(t, []Event{EventReloadConfig, EventReopenLog, EventTerminate}, got)
}

func TestSignalPipeRebuild(t *testing.T) {
	sp, err := NewSignalPipe()
	require.NoError(t, err)
	defer sp.Close()

	sp.Post(EventReloadConfig) // queued on the pipe that Rebuild replaces

	err = sp.Rebuild()
	require.NoError(t, err)
	_, ok, _ := sp.Drain()
	assert.False(t, ok, "an event queued before Rebuild does not survive it")

	// Still usable after rebuild.
	sp.Post(EventTerminate)
	event, ok, _ := sp.Drain()
	require.True(t, ok)
	assert.Equal(t, EventTerminate, event)
}
