package compiler

import (
	"bytes"
	"testing"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"
)

func TestTraceLinesFollowVerbosity(t *testing.T) {
	old := log.Root()
	defer log.SetDefault(old)

	m := method(t, cleanupSource, "T.run:(I)I")
	cfg := DefaultConfig()
	cfg.DebugLogs = true

	var buf bytes.Buffer
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(&buf, log.LevelDebug, false)))
	_, err := GenerateModule(m, cfg)
	require.NoError(t, err)
	require.NotContains(t, buf.String(), "Built landingpad", "trace lines stay below debug verbosity")

	buf.Reset()
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(&buf, log.LevelTrace, false)))
	_, err = GenerateModule(m, cfg)
	require.NoError(t, err)
	require.Contains(t, buf.String(), "Built landingpad")

	buf.Reset()
	cfg.DebugLogs = false
	_, err = GenerateModule(m, cfg)
	require.NoError(t, err)
	require.NotContains(t, buf.String(), "Built landingpad")
}
