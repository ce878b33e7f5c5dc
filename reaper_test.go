// SPDX-License-Identifier: GPL-3.0-or-later

package tunneld

import (
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReapNoHangReapsExitedChild(t *testing.T) {
	cmd := exec.Command("/bin/true")
	require := assert.New(t)
	require.NoError(cmd.Start())

	// Give the child a moment to exit before reaping.
	time.Sleep(50 * time.Millisecond)

	logger, records := newCapturingLogger()
	ReapNoHang("Process", logger)

	assert.NotEmpty(t, *records)
}

func TestReapNoHangNoChildrenIsNoop(t *testing.T) {
	logger, records := newCapturingLogger()
	ReapNoHang("Process", logger)
	assert.Empty(t, *records)
}

func TestSignalNameKnownSignal(t *testing.T) {
	assert.Contains(t, signalName(15), "terminated")
}
