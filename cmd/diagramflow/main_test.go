package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"diagramflow/internal/catalog"
)

func TestCatalogCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"catalog"})
	require.NoError(t, root.Execute())

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.Equal(t, len(catalog.Default().Kinds())+1, len(lines))
	assert.True(t, strings.HasPrefix(lines[0], "KIND"))
	assert.Contains(t, out.String(), "pyramid")
	assert.Contains(t, out.String(), "template(p1,high)")
}

func TestLoadConfig_FlagsOverride(t *testing.T) {
	root := newRootCmd()
	require.NoError(t, root.ParseFlags([]string{"--port", "9999", "--log-level", "debug", "--env-file", ""}))

	cfg, err := loadConfig(root)
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadConfig_InvalidFlag(t *testing.T) {
	root := newRootCmd()
	require.NoError(t, root.ParseFlags([]string{"--log-level", "shouty", "--env-file", ""}))

	_, err := loadConfig(root)
	assert.Error(t, err)
}
