package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSettingsMergesFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"),
		[]byte("server: http://orchestrator:8080\ntimeout: 3s\n"), 0o644))
	t.Setenv("ORCHCTL_OUTPUT", "json")

	s, err := loadSettings(viper.New(), dir)
	require.NoError(t, err)
	assert.Equal(t, "http://orchestrator:8080", s.Server)
	assert.Equal(t, 3*time.Second, s.Timeout)
	assert.Equal(t, "json", s.Output)
}

func TestLoadSettingsRejectsUnknownOutput(t *testing.T) {
	v := viper.New()
	v.Set("output", "yaml")
	_, err := loadSettings(v, t.TempDir())
	assert.Error(t, err)
}

func TestRootCommandRegistersSubcommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"submit", "get", "cancel", "list", "aggregate", "routes", "health"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, cmd.Name())
	}
}

func TestReadPayload(t *testing.T) {
	raw, err := readPayload(`{"q":1}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"q":1}`, string(raw))

	path := filepath.Join(t.TempDir(), "payload.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"from":"file"}`), 0o644))
	raw, err = readPayload("@" + path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"from":"file"}`, string(raw))

	_, err = readPayload("{not json")
	assert.Error(t, err)
}

func TestParseMetadata(t *testing.T) {
	meta, err := parseMetadata([]string{"tenant=acme", "trace=a=b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"tenant": "acme", "trace": "a=b"}, meta)

	_, err = parseMetadata([]string{"novalue"})
	assert.Error(t, err)
}
