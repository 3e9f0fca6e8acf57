package main

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/pagewright/internal/config"
)

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "setup",
		Short: "Write a config file by answering a few questions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			w := wizard{in: bufio.NewScanner(cmd.InOrStdin()), out: cmd.OutOrStdout()}
			if err := w.run(cfg); err != nil {
				return err
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			fmt.Fprintf(w.out, "\nWrote %s\n", cfgPath)
			return nil
		},
	})
}

// Endpoint and model applied when the provider changes.
var providerDefaults = map[string][2]string{
	"anthropic": {"https://api.anthropic.com/v1", "claude-sonnet-4-5"},
	"openai":    {"https://api.openai.com/v1", "gpt-4o"},
}

type wizard struct {
	in  *bufio.Scanner
	out io.Writer
}

func (w wizard) run(cfg *config.Config) error {
	fmt.Fprintln(w.out, "Empty answers keep the value in brackets.")

	provider := w.ask("Provider (anthropic|openai)", cfg.LLM.Provider)
	def, ok := providerDefaults[provider]
	if !ok {
		return fmt.Errorf("unknown provider %q", provider)
	}
	if provider != cfg.LLM.Provider {
		cfg.LLM.Provider = provider
		cfg.LLM.BaseURL, cfg.LLM.Model = def[0], def[1]
		cfg.LLM.APIKey = ""
	}

	cfg.LLM.BaseURL = w.ask("Base URL", cfg.LLM.BaseURL)
	if key := w.ask("API key", config.MaskSecrets(map[string]any{"llm.api_key": cfg.LLM.APIKey})["llm.api_key"].(string)); !strings.HasPrefix(key, "***") {
		cfg.LLM.APIKey = key
	}
	cfg.LLM.Model = w.ask("Model", cfg.LLM.Model)
	cfg.LLM.MaxTokens = w.askInt("Max output tokens", cfg.LLM.MaxTokens)
	if provider == "anthropic" {
		cfg.LLM.ThinkingBudget = w.askInt("Thinking budget, 0 to disable", cfg.LLM.ThinkingBudget)
	}
	cfg.MaxConcurrent = w.askInt("Concurrent tasks", cfg.MaxConcurrent)
	cfg.HTTP.Listen = w.ask("Listen address", cfg.HTTP.Listen)
	cfg.History.Driver = w.ask("History store (sqlite|jsonl)", cfg.History.Driver)
	return nil
}

func (w wizard) ask(label, current string) string {
	if current == "" {
		fmt.Fprintf(w.out, "%s: ", label)
	} else {
		fmt.Fprintf(w.out, "%s [%s]: ", label, current)
	}
	if !w.in.Scan() {
		return current
	}
	if answer := strings.TrimSpace(w.in.Text()); answer != "" {
		return answer
	}
	return current
}

func (w wizard) askInt(label string, current int) int {
	n, err := strconv.Atoi(w.ask(label, strconv.Itoa(current)))
	if err != nil {
		fmt.Fprintf(w.out, "  not a number, keeping %d\n", current)
		return current
	}
	return n
}
