package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/pagewright/internal/runtime"
)

func init() {
	cmd := &cobra.Command{
		Use:   "interaction <component-id> <component-name> <description...>",
		Short: "Generate an event handler for a component",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient()
			if err != nil {
				return err
			}
			event, _ := cmd.Flags().GetString("event")
			out, err := c.GenerateInteraction(cmd.Context(), runtime.InteractionRequest{
				ComponentID:   args[0],
				ComponentName: args[1],
				Description:   strings.Join(args[2:], " "),
				EventType:     event,
			})
			if err != nil {
				return fmt.Errorf("interaction: %w", err)
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "// %s %s: %s\n", out.Type, out.HandlerName, out.Description)
			for _, v := range out.State {
				fmt.Fprintf(w, "const [%s, set%s] = useState<%s>(%s);\n", v.Name, capitalize(v.Name), v.Type, initialValue(v.InitialValue))
			}
			fmt.Fprintln(w, out.Code)
			return nil
		},
	}
	cmd.Flags().StringP("event", "e", "onClick", "React event the handler is bound to")
	rootCmd.AddCommand(cmd)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func initialValue(raw []byte) string {
	if len(raw) == 0 {
		return "undefined"
	}
	return string(raw)
}
