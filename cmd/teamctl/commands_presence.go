package main

import (
	"fmt"
	"io"
	"time"

	"github.com/immxrtalbeast/teamsync/internal/domain"
	"github.com/spf13/cobra"
)

func buildPresenceCmd(flags *globalFlags) *cobra.Command {
	var status string
	var watch bool
	var settle time.Duration

	cmd := &cobra.Command{
		Use:   "presence",
		Short: "Announce presence and print who is online",
		Example: `  # Go online and list the roster
  teamctl presence --user alice

  # Mark yourself away and keep printing status changes
  teamctl presence --user alice --status away --watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			session, err := openSession(ctx, flags)
			if err != nil {
				return err
			}
			defer session.Close()

			if status != "" {
				s, err := domain.ParseStatus(status)
				if err != nil {
					return err
				}
				if err := session.Presence.SetStatus(s); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			if !watch {
				select {
				case <-time.After(settle):
				case <-ctx.Done():
				}
				printRoster(out, session.Presence.Roster())
				return nil
			}

			unsubscribe := session.Presence.OnChange(func(p domain.UserPresence) {
				fmt.Fprintf(out, "%s\t%s\n", p.UserID, p.Status)
			})
			defer unsubscribe()
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Status to publish (online, away, offline)")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Print status changes until interrupted")
	cmd.Flags().DurationVar(&settle, "settle", 500*time.Millisecond, "How long to wait for the roster before printing")
	return cmd
}

func printRoster(out io.Writer, roster []domain.UserPresence) {
	if len(roster) == 0 {
		fmt.Fprintln(out, "nobody else is known")
		return
	}
	for _, p := range roster {
		name := p.Name
		if name == "" {
			name = p.UserID
		}
		fmt.Fprintf(out, "%s\t%s\t%s\n", p.UserID, name, p.Status)
	}
}
