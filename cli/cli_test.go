package cli

import (
	"bytes"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/grovetools/collab/errors"
	"github.com/grovetools/collab/testutil"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapText(t *testing.T) {
	wrapped := wrapText("one two three four five six", 10)
	assert.Equal(t, "one two\nthree four\nfive six", wrapped)
	assert.Equal(t, "short\nkeep", wrapText("short\nkeep", 10))
}

func TestTerminalWidthOffTerminal(t *testing.T) {
	// go test captures stdout, so the terminal size is never consulted.
	t.Setenv("COLUMNS", "45")
	assert.Equal(t, maxWidth, terminalWidth())
}

func TestParseDescription(t *testing.T) {
	desc, examples := parseDescription("Runs the relay.\n\nExamples:\n  collab relay start\n")
	assert.Equal(t, "Runs the relay.", desc)
	assert.Equal(t, "collab relay start", examples)

	desc, examples = parseDescription("No examples here.")
	assert.Equal(t, "No examples here.", desc)
	assert.Empty(t, examples)
}

func TestParseChoices(t *testing.T) {
	desc, choices := parseChoices("Log format: text, json, or simple")
	assert.Equal(t, "Log format:", desc)
	assert.Equal(t, []string{"text", "json", "simple"}, choices)

	desc, choices = parseChoices("Mode:\n  • live - follow the room\n  • once - print and exit")
	assert.Equal(t, "Mode:", desc)
	assert.Equal(t, []string{"live - follow the room", "once - print and exit"}, choices)

	desc, choices = parseChoices("Relay address: host:port")
	assert.Equal(t, "Relay address: host:port", desc)
	assert.Nil(t, choices)
}

func TestStyledHelpListsCommandsAndFlags(t *testing.T) {
	root := NewStandardCommand("collab", "Collaborative workflow sync")
	sub := &cobra.Command{Use: "relay", Short: "Run the development relay", Run: func(*cobra.Command, []string) {}}
	sub.Flags().String("addr", "localhost:4000", "Listen address")
	root.AddCommand(sub)
	ApplyStyledHelpRecursive(root)

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"--help"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "COLLAB")
	assert.Contains(t, out.String(), "relay")
	assert.Contains(t, out.String(), "Run the development relay")

	out.Reset()
	root.SetArgs([]string{"relay", "--help"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "--addr")
	assert.Contains(t, out.String(), "localhost:4000")
}

func TestErrorHandlerMessages(t *testing.T) {
	var out bytes.Buffer
	h := NewErrorHandler(false, &out)

	err := fmt.Errorf("connect: %w", errors.JoinRejected("workflow:abc", "unauthorized"))
	assert.Same(t, err, h.Handle(err))
	assert.Contains(t, out.String(), "workflow:abc")
	assert.Contains(t, out.String(), "collab token")

	out.Reset()
	h.Handle(errors.ConfigNotFound("/tmp/collab.yml"))
	assert.Contains(t, out.String(), "/tmp/collab.yml")

	out.Reset()
	h.Handle(stderrors.New("boom"))
	assert.Contains(t, out.String(), "Error: boom")
	assert.NotContains(t, out.String(), "Error details")
}

func TestErrorHandlerVerboseShowsDetails(t *testing.T) {
	var out bytes.Buffer
	NewErrorHandler(true, &out).Handle(errors.NotConnected("workflow:abc"))
	assert.Contains(t, out.String(), "Error details")
	assert.Contains(t, out.String(), `"code": "NOT_CONNECTED"`)
}

func TestLoadConfigFromFlag(t *testing.T) {
	t.Setenv("COLLAB_HOME", t.TempDir())
	path := testutil.WriteConfig(t, t.TempDir(), "relay:\n  addr: 127.0.0.1:4555\n")

	cmd := NewStandardCommand("collab", "test")
	require.NoError(t, cmd.ParseFlags([]string{"--config", path}))

	cfg, from, err := LoadConfig(cmd)
	require.NoError(t, err)
	assert.Equal(t, path, from)
	assert.Equal(t, "127.0.0.1:4555", cfg.Relay.Addr)
	assert.Equal(t, 12000, cfg.Presence.StaleAfterMs)
}

func TestGetLoggerHonoursVerbose(t *testing.T) {
	t.Setenv("COLLAB_LOG_LEVEL", "")
	cmd := NewStandardCommand("collab", "test")
	require.NoError(t, cmd.ParseFlags([]string{"-v"}))

	logger := GetLogger(cmd, "test", nil)
	assert.True(t, logger.Logger.IsLevelEnabled(logrus.DebugLevel))
	assert.Equal(t, "test", logger.Data["component"])
}

func TestSchemaCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := NewSchemaCommand()
	cmd.SetOut(&out)
	require.NoError(t, cmd.RunE(cmd, nil))
	assert.Contains(t, out.String(), "presence")
}
