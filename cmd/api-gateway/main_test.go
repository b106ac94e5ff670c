package main

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howardjong/AgentPrice-sub011/config"
)

func TestBuildCLI(t *testing.T) {
	cmd := buildCLI()

	require.NotNil(t, cmd)
	assert.Equal(t, "api-gateway", cmd.Use)

	commandNames := make(map[string]bool)
	for _, c := range cmd.Commands() {
		commandNames[c.Use] = true
	}
	assert.True(t, commandNames["serve"], "should have 'serve' command")

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag, "should have --config flag")
	assert.Equal(t, "c", configFlag.Shorthand)
}

func TestBuildServeCommand(t *testing.T) {
	var configFile string
	cmd := buildServeCommand(&configFile)

	require.NotNil(t, cmd)
	assert.Equal(t, "serve", cmd.Use)
	assert.NotNil(t, cmd.RunE)

	portFlag := cmd.Flags().Lookup("port")
	require.NotNil(t, portFlag, "should have --port flag")
	assert.Equal(t, "p", portFlag.Shorthand)
	assert.Equal(t, "0", portFlag.DefValue)
}

func TestCLIHelp(t *testing.T) {
	cmd := buildCLI()
	cmd.SetArgs([]string{"--help"})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)

	assert.NoError(t, cmd.Execute())
}

func TestServeFailsOnInvalidLogging(t *testing.T) {
	cfg := config.Default()
	cfg.Logging.Level = "verbose"

	err := serve(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to initialize logger")
}
