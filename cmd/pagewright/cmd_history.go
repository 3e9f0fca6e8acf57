package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/pagewright/internal/types"
)

func init() {
	rootCmd.AddCommand(historyCmd, componentsCmd)
	historyCmd.AddCommand(historyListCmd, historyShowCmd)
	historyListCmd.Flags().Uint("limit", 20, "maximum number of tasks to list")
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect persisted tasks",
}

var historyListCmd = &cobra.Command{
	Use:   "list <project>",
	Short: "List a project's tasks, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetUint("limit")
		records, err := c.History(cmd.Context(), types.ProjectID(args[0]), limit)
		if err != nil {
			return fmt.Errorf("list history: %w", err)
		}

		if len(records) == 0 {
			fmt.Println("No tasks found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TASK\tSTATUS\tITERATIONS\tCREATED\tPROMPT")
		for _, r := range records {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
				r.TaskID,
				r.Status,
				r.Iterations,
				r.CreatedAt.Format("2006-01-02 15:04:05"),
				truncate(r.Prompt, 50),
			)
		}
		return w.Flush()
	},
}

var historyShowCmd = &cobra.Command{
	Use:   "show <project> <task>",
	Short: "Show a task's record and replay its events",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}
		rec, err := c.Task(cmd.Context(), types.ProjectID(args[0]), types.TaskID(args[1]))
		if err != nil {
			return fmt.Errorf("show task: %w", err)
		}

		fmt.Fprintf(os.Stdout, "Task:       %s\n", rec.TaskID)
		fmt.Fprintf(os.Stdout, "Status:     %s\n", rec.Status)
		fmt.Fprintf(os.Stdout, "Iterations: %d\n", rec.Iterations)
		fmt.Fprintf(os.Stdout, "Duration:   %s\n", rec.CompletedAt.Sub(rec.CreatedAt).Round(time.Millisecond))
		if rec.Error != "" {
			fmt.Fprintf(os.Stdout, "Error:      %s\n", rec.Error)
		}
		fmt.Fprintf(os.Stdout, "Prompt:     %s\n\n", rec.Prompt)

		p := &printer{w: os.Stdout}
		for _, e := range rec.Events {
			p.print(e)
		}
		p.endStream()
		return nil
	},
}

var componentsCmd = &cobra.Command{
	Use:   "components <project>",
	Short: "List a project's generated components",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}
		resp, err := c.Components(cmd.Context(), types.ProjectID(args[0]))
		if err != nil {
			return fmt.Errorf("list components: %w", err)
		}
		if resp.Count == 0 {
			fmt.Println("No components yet.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tSIZE\tUPDATED")
		for _, info := range resp.Components {
			fmt.Fprintf(w, "%s\t%d\t%s\n", info.Name, info.Size, info.UpdatedAt.Format("2006-01-02 15:04:05"))
		}
		return w.Flush()
	},
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
