package main

import (
	"fmt"
	"io"

	"github.com/immxrtalbeast/teamsync/internal/boardsync"
	"github.com/immxrtalbeast/teamsync/internal/domain"
	"github.com/spf13/cobra"
)

func buildBoardCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "board",
		Short: "Inspect and edit a board in real time",
	}
	cmd.AddCommand(
		buildBoardShowCmd(flags),
		buildBoardAddCardCmd(flags),
		buildBoardMoveCmd(flags),
		buildBoardDeleteCardCmd(flags),
	)
	return cmd
}

func buildBoardShowCmd(flags *globalFlags) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "show <board-id>",
		Short: "Print the sections and cards of a board",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			session, err := openSession(ctx, flags)
			if err != nil {
				return err
			}
			defer session.Close()

			if err := session.Boards.Activate(ctx, args[0]); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printBoard(out, session.Boards.Replica().Snapshot())
			if !watch {
				return nil
			}

			unsubscribe := session.Boards.OnChange(func(c boardsync.Change) {
				if replica := session.Boards.Replica(); replica != nil {
					fmt.Fprintf(out, "--- %s\n", c.Event)
					printBoard(out, replica.Snapshot())
				}
			})
			defer unsubscribe()
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Reprint the board on every change until interrupted")
	return cmd
}

func buildBoardAddCardCmd(flags *globalFlags) *cobra.Command {
	var description string
	var priority string

	cmd := &cobra.Command{
		Use:   "add-card <board-id> <section-id> <title>",
		Short: "Create a card at the end of a section",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			session, err := openSession(ctx, flags)
			if err != nil {
				return err
			}
			defer session.Close()

			if err := session.Boards.Activate(ctx, args[0]); err != nil {
				return err
			}
			card, err := session.Boards.CreateCard(ctx, domain.CardDraft{
				SectionID:   args[1],
				Title:       args[2],
				Description: description,
				Priority:    domain.Priority(priority),
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", card.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "Card description")
	cmd.Flags().StringVar(&priority, "priority", string(domain.PriorityMedium), "Priority (low, medium, high)")
	return cmd
}

func buildBoardMoveCmd(flags *globalFlags) *cobra.Command {
	var onto string

	cmd := &cobra.Command{
		Use:   "move <board-id> <card-id> <section-id>",
		Short: "Move a card to the end of a section, or onto another card",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			session, err := openSession(ctx, flags)
			if err != nil {
				return err
			}
			defer session.Close()

			if err := session.Boards.Activate(ctx, args[0]); err != nil {
				return err
			}
			card, err := session.Boards.MoveCard(ctx, args[1], args[2], onto)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "moved %s to %s at order %d\n", card.ID, card.SectionID, card.Order)
			return nil
		},
	}
	cmd.Flags().StringVar(&onto, "onto", "", "Card to drop onto; its order is taken")
	return cmd
}

func buildBoardDeleteCardCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete-card <board-id> <card-id>",
		Short: "Delete a card",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			session, err := openSession(ctx, flags)
			if err != nil {
				return err
			}
			defer session.Close()

			if err := session.Boards.Activate(ctx, args[0]); err != nil {
				return err
			}
			return session.Boards.DeleteCard(ctx, args[1])
		},
	}
}

func printBoard(out io.Writer, snap boardsync.Snapshot) {
	fmt.Fprintf(out, "board %s\n", snap.BoardID)
	for _, section := range snap.Sections {
		fmt.Fprintf(out, "[%s] %s\n", section.ID, section.Name)
		for _, card := range snap.Cards[section.ID] {
			fmt.Fprintf(out, "  %d. %s  (%s)\n", card.Order, card.Title, card.ID)
		}
	}
}
