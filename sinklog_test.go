// SPDX-License-Identifier: GPL-3.0-or-later

package tunneld

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSinkLoggerFileSinkRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tunneld.log")

	sl := NewSinkLogger()
	require.NoError(t, sl.OpenFileSink(path))

	logger := slog.New(sl)
	logger.Info("hello", slog.String("key", "value"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")
	assert.Contains(t, string(data), "key=value")
}

func TestSinkLoggerBufferAndFlush(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tunneld.log")

	sl := NewSinkLogger()
	require.NoError(t, sl.OpenFileSink(path))

	sl.BufferPending()
	logger := slog.New(sl)
	logger.Info("buffered line")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Empty(t, data, "buffered record should not be written yet")

	sl.FlushPending()
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "buffered line")
}

func TestSinkLoggerReopenIdempotentOnUnchangedTarget(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tunneld.log")

	sl := NewSinkLogger()
	require.NoError(t, sl.OpenFileSink(path))

	require.NoError(t, sl.ReopenFileSink())
	require.NoError(t, sl.ReopenFileSink())

	logger := slog.New(sl)
	logger.Info("after reopen")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "after reopen")
}

func TestSinkLoggerEnabledAlwaysTrue(t *testing.T) {
	sl := NewSinkLogger()
	assert.True(t, sl.Enabled(context.Background(), slog.LevelDebug))
}
