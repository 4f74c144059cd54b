package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/bugbot/internal/output"
)

// testEnv sets up isolated config dir, viper, and output for testing. It
// returns the config dir and the buffer ui writes to.
func testEnv(t *testing.T) (string, *bytes.Buffer) {
	t.Helper()
	dir := t.TempDir()

	// Override configDirFunc for tests
	origFunc := configDirFunc
	configDirFunc = func() (string, error) { return dir, nil }
	t.Cleanup(func() { configDirFunc = origFunc })

	// Reset viper
	viper.Reset()
	viper.SetEnvPrefix("BUGBOT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	setDefaults(dir)

	// Initialize output
	buf := &bytes.Buffer{}
	ui = &output.UI{Out: buf, ErrOut: buf}
	dryRun = false
	configForce = false

	return dir, buf
}

func TestConfigInit_CreatesFile(t *testing.T) {
	dir, _ := testEnv(t)

	err := configInitRun()
	require.NoError(t, err)

	cfgPath := filepath.Join(dir, "config.yaml")
	_, err = os.Stat(cfgPath)
	assert.NoError(t, err, "config file should exist")

	data, err := os.ReadFile(cfgPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "bugbot configuration")
	assert.Contains(t, string(data), "bug_id_length: 32")
}

func TestConfigInit_FileLoadsBack(t *testing.T) {
	dir, _ := testEnv(t)
	viper.Set("store.max", 50)
	viper.Set("allow_list_all", true)
	require.NoError(t, configInitRun())

	testEnv(t)
	viper.SetConfigFile(filepath.Join(dir, "config.yaml"))
	require.NoError(t, viper.ReadInConfig())

	s, err := loadSettings()
	require.NoError(t, err)
	assert.Equal(t, 50, s.Store.Max)
	assert.True(t, s.AllowList)
	assert.Equal(t, "2006-01-02 3:04 PM -0700", s.DateLayout)
	assert.Equal(t, "BugBot", s.BotName)
}

func TestConfigInit_RefusesOverwrite(t *testing.T) {
	dir, _ := testEnv(t)

	// Create existing file
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("existing"), 0644))

	configForce = false
	err := configInitRun()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestConfigInit_ForceOverwrite(t *testing.T) {
	dir, _ := testEnv(t)

	// Create existing file
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("existing"), 0644))

	configForce = true
	err := configInitRun()
	require.NoError(t, err)

	data, err := os.ReadFile(cfgPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "bugbot configuration")
}

func TestConfigShow_NoFile(t *testing.T) {
	_, out := testEnv(t)

	err := configShowRun()
	require.NoError(t, err)
	assert.Contains(t, out.String(), "(none)")
	assert.Contains(t, out.String(), "store.max")
	assert.Contains(t, out.String(), "(default)")
}

func TestConfigShow_WithFile(t *testing.T) {
	testEnv(t)

	// Create config first
	require.NoError(t, configInitRun())

	err := configShowRun()
	assert.NoError(t, err)
}

func TestConfigShow_EnvAndSecret(t *testing.T) {
	_, out := testEnv(t)
	t.Setenv("BUGBOT_STORE_MAX", "25")
	t.Setenv("BUGBOT_ANTHROPIC_API_KEY", "sk-secret")

	require.NoError(t, configShowRun())
	assert.Contains(t, out.String(), "25")
	assert.Contains(t, out.String(), "(env: BUGBOT_STORE_MAX)")
	assert.NotContains(t, out.String(), "sk-secret")
	assert.Contains(t, out.String(), "********")
}

func TestConfigEdit_NoEditor(t *testing.T) {
	testEnv(t)
	t.Setenv("EDITOR", "")
	t.Setenv("VISUAL", "")

	err := configEditRun()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "$EDITOR is not set")
}

func TestConfigEdit_NoConfigFile(t *testing.T) {
	testEnv(t)
	t.Setenv("EDITOR", "echo") // harmless command

	err := configEditRun()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestDetectSource(t *testing.T) {
	fileValues := map[string]bool{"key_a": true}

	// From env
	t.Setenv("BUGBOT_TEST_KEY", "val")
	assert.Contains(t, detectSource("test_key", "BUGBOT_TEST_KEY", fileValues), "env")

	// From file
	assert.Contains(t, detectSource("key_a", "BUGBOT_KEY_A_NONEXISTENT", fileValues), "file")

	// Default
	assert.Contains(t, detectSource("key_b", "BUGBOT_KEY_B_NONEXISTENT", fileValues), "default")
}

func TestFlattenKeys(t *testing.T) {
	input := map[string]any{
		"top": "val",
		"nested": map[string]any{
			"a": "1",
			"b": "2",
		},
	}

	result := make(map[string]bool)
	flattenKeys("", input, result)

	assert.True(t, result["top"])
	assert.True(t, result["nested.a"])
	assert.True(t, result["nested.b"])
	assert.False(t, result["nested"])
}

func TestConfigInit_DryRun(t *testing.T) {
	dir, _ := testEnv(t)
	dryRun = true
	ui.DryRun = true
	defer func() { dryRun = false }()

	err := configInitRun()
	require.NoError(t, err)

	// File should NOT have been created
	cfgPath := filepath.Join(dir, "config.yaml")
	_, err = os.Stat(cfgPath)
	assert.True(t, os.IsNotExist(err), "config file should not exist in dry-run mode")
}
