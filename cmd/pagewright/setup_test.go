package main

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/pagewright/internal/config"
)

func TestWizard_SwitchProvider(t *testing.T) {
	cfg := config.Default()
	cfg.LLM.APIKey = "sk-ant-old-key"

	answers := "openai\n\nsk-openai-1234\n\nabc\n8\n\njsonl\n"
	w := wizard{in: bufio.NewScanner(strings.NewReader(answers)), out: io.Discard}
	require.NoError(t, w.run(cfg))

	assert.Equal(t, "openai", cfg.LLM.Provider)
	assert.Equal(t, "https://api.openai.com/v1", cfg.LLM.BaseURL)
	assert.Equal(t, "gpt-4o", cfg.LLM.Model)
	assert.Equal(t, "sk-openai-1234", cfg.LLM.APIKey)
	assert.Equal(t, 8192, cfg.LLM.MaxTokens, "non-numeric answer keeps the old value")
	assert.Equal(t, 8, cfg.MaxConcurrent)
	assert.Equal(t, "jsonl", cfg.History.Driver)
}

func TestWizard_KeepsMaskedKey(t *testing.T) {
	cfg := config.Default()
	cfg.LLM.APIKey = "sk-ant-keep-5678"

	w := wizard{in: bufio.NewScanner(strings.NewReader("")), out: io.Discard}
	require.NoError(t, w.run(cfg))
	assert.Equal(t, "sk-ant-keep-5678", cfg.LLM.APIKey)
	assert.Equal(t, "anthropic", cfg.LLM.Provider)
}

func TestWizard_UnknownProvider(t *testing.T) {
	w := wizard{in: bufio.NewScanner(strings.NewReader("gemini\n")), out: io.Discard}
	assert.ErrorContains(t, w.run(config.Default()), "unknown provider")
}

func TestReadPID(t *testing.T) {
	dir := t.TempDir()

	_, err := readPID(filepath.Join(dir, "missing.pid"))
	assert.ErrorContains(t, err, "PID file not found")

	bad := filepath.Join(dir, "bad.pid")
	require.NoError(t, os.WriteFile(bad, []byte("nope\n"), 0644))
	_, err = readPID(bad)
	assert.ErrorContains(t, err, "bad PID file")

	good := filepath.Join(dir, "good.pid")
	require.NoError(t, os.WriteFile(good, []byte("4242\n"), 0644))
	pid, err := readPID(good)
	require.NoError(t, err)
	assert.Equal(t, 4242, pid)
}
