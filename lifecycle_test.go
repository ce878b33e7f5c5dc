// SPDX-License-Identifier: GPL-3.0-or-later

package tunneld

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecycleMainInitRegistersSignalPipe(t *testing.T) {
	lc := NewLifecycle("test-version")
	require.NoError(t, lc.MainInit())
	defer lc.Supervisor.SignalPipe.Close()

	assert.NotNil(t, lc.Supervisor.SignalPipe)
	assert.NotNil(t, lc.Supervisor.Inherited)
}

func TestLifecycleMainConfigureVersionFlag(t *testing.T) {
	lc := NewLifecycle("test-version")
	outcome, err := lc.MainConfigure([]string{"-version"}, "", "")
	require.NoError(t, err)
	assert.Equal(t, OutcomePrinted, outcome)
}

func TestLifecycleMainConfigureAppliesConfig(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "tunneld.yaml")
	logPath := filepath.Join(dir, "tunneld.log")

	config := `
global:
  maxClients: 5
services:
  - name: web
    listen:
      - network: tcp
        address: 127.0.0.1:0
    connect:
      - 127.0.0.1:9999
`
	require.NoError(t, os.WriteFile(configPath, []byte(config), 0o600))

	lc := NewLifecycle("test-version")
	require.NoError(t, lc.MainInit())
	defer lc.Supervisor.SignalPipe.Close()
	lc.Supervisor.Backend = &fakeWorkerBackend{}

	outcome, err := lc.MainConfigure(nil, configPath, logPath)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, outcome)
	assert.Equal(t, int64(0), lc.Supervisor.NumClients.Load())
	assert.Equal(t, 5, lc.Supervisor.Services.Global.MaxClients)

	var bound bool
	lc.Supervisor.Services.Walk(func(s *Service) bool {
		if s.Name == "web" && s.LocalFD[0] != unboundFD {
			bound = true
		}
		return true
	})
	assert.True(t, bound)

	lc.MainCleanup()

	_, err = os.Stat(logPath)
	assert.NoError(t, err)
}

func TestLifecycleMainConfigureMissingFile(t *testing.T) {
	lc := NewLifecycle("test-version")
	require.NoError(t, lc.MainInit())
	defer lc.Supervisor.SignalPipe.Close()

	_, err := lc.MainConfigure(nil, "/nonexistent/tunneld.yaml", "")
	assert.Error(t, err)
}
