package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	statex "github.com/tanpawarit/moneta-advisor/agent/state"
)

func newHistoryCommand() *cobra.Command {
	var (
		userID  string
		useCase string
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List the stored conversations of a user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			summaries, err := a.orchestrator.History(cmd.Context(), userID, useCase)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(summaries)
			}
			if len(summaries) == 0 {
				fmt.Fprintln(out, "no conversations")
				return nil
			}
			for _, s := range summaries {
				fmt.Fprintf(out, "%s  %s  %d messages\n", s.ConversationID, s.UpdatedAt.Format(time.RFC3339), len(s.Messages))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "cli-user", "user id")
	cmd.Flags().StringVar(&useCase, "use-case", string(statex.UseCaseBanking), "agent set")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full listing as JSON")
	return cmd
}
