package watchdog_test

import (
	"os"
	"testing"

	"github.com/phuslu/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hivecom_core/watchdog"
)

func TestInitWritesLogFile(t *testing.T) {
	previous := log.DefaultLogger
	defer func() { log.DefaultLogger = previous }()

	dir := t.TempDir()
	require.NoError(t, watchdog.Init(watchdog.Options{Level: "debug", Dir: dir, Name: "test"}))
	assert.Equal(t, log.DebugLevel, log.DefaultLogger.Level)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Name(), "_test.log")
}

func TestHandleCount(t *testing.T) {
	before := watchdog.HandleCount()
	for i := 0; i < 10; i++ {
		watchdog.CountHandleExport()
	}
	assert.Equal(t, before+10, watchdog.HandleCount())
	for i := 0; i < 10; i++ {
		watchdog.CountHandleRelease()
	}
	assert.Equal(t, before, watchdog.HandleCount())
}
