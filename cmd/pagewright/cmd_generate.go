package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/pagewright/internal/events"
	"github.com/user/pagewright/internal/types"
)

func init() {
	rootCmd.AddCommand(generateCmd, watchCmd, statusCmd)
	generateCmd.Flags().BoolP("follow", "f", false, "stream the task's events until it finishes")
	watchCmd.Flags().Int64("since", 0, "replay from this sequence number")
}

var generateCmd = &cobra.Command{
	Use:   "generate <project> <prompt...>",
	Short: "Start a generation task for a project",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}
		projectID := types.ProjectID(args[0])
		prompt := strings.Join(args[1:], " ")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		resp, err := c.Generate(ctx, projectID, prompt)
		if err != nil {
			return fmt.Errorf("generate: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Task %s accepted for %s\n", resp.TaskID, resp.ProjectID)

		if follow, _ := cmd.Flags().GetBool("follow"); !follow {
			fmt.Fprintf(os.Stdout, "Stream: %s\n", resp.StreamURL)
			return nil
		}
		return watch(ctx, projectID, 0)
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch <project>",
	Short: "Replay and follow a project's task events",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		since, _ := cmd.Flags().GetInt64("since")
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		return watch(ctx, types.ProjectID(args[0]), since)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <project>",
	Short: "Show the status of a project's current task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}
		snap, err := c.Status(cmd.Context(), types.ProjectID(args[0]))
		if err != nil {
			return fmt.Errorf("status: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Project: %s\nStatus:  %s\n", snap.ProjectID, snap.Status)
		if snap.TaskID != "" {
			fmt.Fprintf(os.Stdout, "Task:    %s\nEvents:  %d\n", snap.TaskID, snap.EventCount)
		}
		if snap.Error != "" {
			fmt.Fprintf(os.Stdout, "Error:   %s\n", snap.Error)
		}
		return nil
	},
}

func watch(ctx context.Context, projectID types.ProjectID, since int64) error {
	c, err := apiClient()
	if err != nil {
		return err
	}
	p := &printer{w: os.Stdout}
	terminal, err := c.Watch(ctx, projectID, since, func(e events.Entry) error {
		p.print(e)
		return nil
	})
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	if failed, ok := terminal.Event.Data.(events.Error); ok {
		return fmt.Errorf("task failed: %s", failed.Error)
	}
	return nil
}

// printer renders a task's events for a terminal.
type printer struct {
	w        io.Writer
	inStream bool
}

func (p *printer) endStream() {
	if p.inStream {
		fmt.Fprintln(p.w)
		p.inStream = false
	}
}

func (p *printer) print(e events.Entry) {
	switch d := e.Event.Data.(type) {
	case events.TurnStart:
		p.endStream()
		fmt.Fprintf(p.w, "── turn %d/%d\n", d.Iteration, d.MaxIterations)
	case events.ThinkingDelta:
		// Reasoning is not shown.
	case events.TextDelta:
		fmt.Fprint(p.w, d.Text)
		p.inStream = true
	case events.ToolCall:
		p.endStream()
		fmt.Fprintf(p.w, "→ %s %s\n", d.Name, summarizeArgs(d.Args))
	case events.ToolResult:
		p.endStream()
		switch {
		case !d.Success:
			fmt.Fprintf(p.w, "✗ %s: %s\n", d.Name, d.Error)
		case d.Forced:
			fmt.Fprintf(p.w, "! %s accepted without passing validation\n", d.Name)
		default:
			fmt.Fprintf(p.w, "✓ %s\n", d.Name)
		}
	case events.Complete:
		p.endStream()
		if d.Success {
			fmt.Fprintf(p.w, "Done after %d iterations.\n", d.Iterations)
		} else {
			fmt.Fprintf(p.w, "Stopped after %d iterations (%s).\n", d.Iterations, d.Reason)
		}
	case events.Error:
		p.endStream()
		fmt.Fprintf(p.w, "Error: %s\n", d.Error)
	default:
		p.endStream()
		fmt.Fprintf(p.w, "[%s] %s\n", e.Event.Type(), e.Event.Message)
	}
}

// summarizeArgs shows the name argument of component tools, or the raw
// arguments cut to one short line.
func summarizeArgs(raw json.RawMessage) string {
	var named struct {
		Name string `json:"name"`
		URL  string `json:"url"`
	}
	if json.Unmarshal(raw, &named) == nil {
		if named.Name != "" {
			return named.Name
		}
		if named.URL != "" {
			return named.URL
		}
	}
	s := strings.Join(strings.Fields(string(raw)), " ")
	if len(s) > 60 {
		s = s[:60] + "..."
	}
	return s
}
