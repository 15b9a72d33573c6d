package testutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

// Epoch is the fixed start time of fake clocks in tests.
var Epoch = time.UnixMilli(1_700_000_000_000)

// FakeClock returns a fake clock set to Epoch.
func FakeClock() *clockwork.FakeClock {
	return clockwork.NewFakeClockAt(Epoch)
}

// WriteConfig writes a collab.yml with content into dir and returns its path.
func WriteConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "collab.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}
