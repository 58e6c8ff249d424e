package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/emberhost/ember/internal/agent"
	"github.com/emberhost/ember/internal/store"
)

var sessionsDeviceID string

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List stored sessions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		repo, err := openRepository(cfg.Store)
		if err != nil {
			return err
		}
		defer repo.Close()

		sessions, err := repo.ListSessionsByDevice(cmd.Context(), sessionsDeviceID)
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			fmt.Println("no sessions found")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SESSION\tLAST ACTIVE\tEVENTS\tPHASE\tFIRST MESSAGE")
		for _, s := range sessions {
			phase := sessionPhase(cmd.Context(), repo, s.SessionID, s.MaxSeq)
			first := s.FirstMessage
			if len(first) > 48 {
				first = first[:45] + "..."
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
				s.SessionID,
				s.LastActiveAt.Format("2006-01-02 15:04"),
				s.MaxSeq,
				phase,
				first)
		}
		return w.Flush()
	},
}

func init() {
	sessionsCmd.Flags().StringVar(&sessionsDeviceID, "device", "", "device ID to list sessions for")
	sessionsCmd.MarkFlagRequired("device")
}

func sessionPhase(ctx context.Context, repo store.Repository, sessionID string, maxSeq int64) agent.Phase {
	after := maxSeq - 2
	if after < 0 {
		after = 0
	}
	tail, err := repo.ReadEventsFrom(ctx, sessionID, after)
	if err != nil {
		return "?"
	}
	return agent.DerivePhase(tail)
}
