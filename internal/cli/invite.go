package cli

import (
	"fmt"

	"code-with-me/internal/session"
	"github.com/spf13/cobra"
)

// NewInviteCommand creates the invite command.
func NewInviteCommand(rootOpts *RootOptions) *cobra.Command {
	var room string

	cmd := &cobra.Command{
		Use:   "invite",
		Short: "Print the invite link for the configured relay and room",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := rootOpts.Config.Session
			if room != "" {
				cfg.Room = room
			}
			manager := session.NewManager(session.Options{Logger: rootOpts.Logger})
			commands := session.NewCommands(manager, cfg.Endpoint, cfg.Room)
			fmt.Fprintln(cmd.OutOrStdout(), commands.InviteLink())
			return nil
		},
	}

	cmd.Flags().StringVar(&room, "room", "", "room name (overrides session.room)")
	return cmd
}
