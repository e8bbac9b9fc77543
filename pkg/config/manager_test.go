// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
}

type testConfig struct {
	Recoverability struct {
		ErrorQueueAddress string `mapstructure:"errorQueueAddress"`
		FirstLevelRetries struct {
			MaxAttempts int `mapstructure:"maxAttempts"`
		} `mapstructure:"firstLevelRetries"`
		SecondLevelRetries struct {
			MaxAttempts  int           `mapstructure:"maxAttempts"`
			TimeIncrease time.Duration `mapstructure:"timeIncrease"`
		} `mapstructure:"secondLevelRetries"`
	} `mapstructure:"recoverability"`
}

func TestHierarchicalPrecedence(t *testing.T) {
	t.Setenv("RECOVERBUS_RECOVERABILITY_ERRORQUEUEADDRESS", "error@env")

	tempDir := t.TempDir()

	writeFile(t, tempDir, "recoverbus.yaml", `
recoverability:
  errorQueueAddress: error@base
  firstLevelRetries:
    maxAttempts: 2
  secondLevelRetries:
    maxAttempts: 1
    timeIncrease: 1s
`)

	writeFile(t, tempDir, "recoverbus.dev.yaml", `
recoverability:
  errorQueueAddress: error@dev
  secondLevelRetries:
    timeIncrease: 5s
`)

	writeFile(t, tempDir, "recoverbus.override.yaml", `
recoverability:
  firstLevelRetries:
    maxAttempts: 7
`)

	m := NewManager(Options{
		WorkDir:            tempDir,
		ConfigBaseName:     "recoverbus",
		ConfigType:         "yaml",
		EnvironmentName:    "dev",
		OverrideFilename:   "recoverbus.override.yaml",
		EnvPrefix:          "RECOVERBUS",
		EnableAutomaticEnv: true,
	})
	m.SetDefaults(map[string]interface{}{
		"recoverability.errorqueueaddress":              "error",
		"recoverability.firstlevelretries.maxattempts":  5,
		"recoverability.secondlevelretries.maxattempts": 3,
	})

	require.NoError(t, m.Load())
	assert.Len(t, m.LoadedFiles(), 3)

	var cfg testConfig
	require.NoError(t, m.Unmarshal(&cfg))

	// defaults < base < env file < override < env vars
	assert.Equal(t, "error@env", cfg.Recoverability.ErrorQueueAddress)
	assert.Equal(t, 7, cfg.Recoverability.FirstLevelRetries.MaxAttempts)
	assert.Equal(t, 1, cfg.Recoverability.SecondLevelRetries.MaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.Recoverability.SecondLevelRetries.TimeIncrease)
}

func TestMissingFilesAreIgnored(t *testing.T) {
	tempDir := t.TempDir()
	writeFile(t, tempDir, "recoverbus.yaml", `recoverability: { errorQueueAddress: "errors" }`)

	opts := DefaultOptions()
	opts.WorkDir = tempDir
	opts.EnvironmentName = "prod" // recoverbus.prod.yaml not present
	m := NewManager(opts)

	require.NoError(t, m.Load())
	assert.Equal(t, []string{filepath.Join(tempDir, "recoverbus.yaml")}, m.LoadedFiles())
	assert.Equal(t, "errors", m.Get("recoverability.errorQueueAddress"))
	assert.True(t, m.IsSet("recoverability.errorqueueaddress"))
}

func TestBrokenFileIsReported(t *testing.T) {
	tempDir := t.TempDir()
	writeFile(t, tempDir, "recoverbus.yaml", "recoverability: [unclosed")

	opts := DefaultOptions()
	opts.WorkDir = tempDir
	m := NewManager(opts)

	err := m.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load base config")
}

func TestUnmarshalNilTarget(t *testing.T) {
	m := NewManager(DefaultOptions())
	assert.Error(t, m.Unmarshal(nil))
	assert.Error(t, m.UnmarshalKey("recoverability", nil))
}

func TestLayerString(t *testing.T) {
	assert.Equal(t, "base", BaseLayer.String())
	assert.Equal(t, "environment_variables", EnvironmentVariablesLayer.String())
	assert.Equal(t, "unknown", Layer(42).String())
}
