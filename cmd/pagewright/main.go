package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	pwclient "github.com/user/pagewright/internal/client"
	"github.com/user/pagewright/internal/config"
	"github.com/user/pagewright/pkg/llm"
	"github.com/user/pagewright/pkg/llm/anthropic"
	"github.com/user/pagewright/pkg/llm/openai"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:           "pagewright",
	Short:         "AI page builder: turns prompts into React components",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config",
		filepath.Join(os.Getenv("HOME"), ".pagewright", "config.json"), "config file path (.json or .yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func loadConfig() *config.Config {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func setupLogging(cfg *config.Config) {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(cfg.Log.Format, "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func newProvider(cfg *config.Config) (llm.Provider, error) {
	llmCfg := &llm.Config{
		BaseURL:        cfg.LLM.BaseURL,
		APIKey:         cfg.LLM.APIKey,
		Model:          cfg.LLM.Model,
		MaxTokens:      cfg.LLM.MaxTokens,
		ThinkingBudget: cfg.LLM.ThinkingBudget,
		Temperature:    cfg.LLM.Temperature,
	}
	switch cfg.LLM.Provider {
	case "anthropic":
		return anthropic.New(llmCfg)
	case "openai":
		if llmCfg.BaseURL == "" || strings.Contains(llmCfg.BaseURL, "anthropic.com") {
			llmCfg.BaseURL = "https://api.openai.com/v1"
		}
		return openai.New(llmCfg)
	}
	return nil, fmt.Errorf("unknown llm provider %q", cfg.LLM.Provider)
}

// apiClient returns a client for the server described by the config.
func apiClient() (*pwclient.Client, error) {
	cfg := loadConfig()
	return pwclient.New(cfg.PublicURL() + "/api")
}
