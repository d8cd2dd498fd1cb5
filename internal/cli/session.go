package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"code-with-me/internal/discovery"
	"code-with-me/internal/editor"
	"code-with-me/internal/protocol"
	"code-with-me/internal/session"
	"github.com/spf13/cobra"
)

// SessionOptions holds flags shared by host and join.
type SessionOptions struct {
	*RootOptions
	File     string
	Endpoint string
	Room     string
	Discover bool
}

// NewHostCommand creates the host command.
func NewHostCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SessionOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "host",
		Short: "Share a file and print the invite link",
		Long: `Host a session for a file. The file's content becomes the shared text
when the room is empty; otherwise the room's text replaces it.

Example:
  code-with-me host --file notes.md
  code-with-me host --file main.go --endpoint ws://10.0.0.5:1234 --room pairing`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd, opts, func(ctx context.Context, c *session.Commands) error {
				invite, err := c.StartHostedSession(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "invite link: %s\n", invite)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&opts.File, "file", "", "file to share (required)")
	cmd.Flags().StringVar(&opts.Endpoint, "endpoint", "", "relay endpoint (overrides session.endpoint)")
	cmd.Flags().StringVar(&opts.Room, "room", "", "room name (overrides session.room)")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

// NewJoinCommand creates the join command.
func NewJoinCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SessionOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "join [invite-link]",
		Short: "Join a session into a local file",
		Long: `Join the session an invite link points to. The local file is replaced
by the shared text and kept in sync until interrupted.

Example:
  code-with-me join ws://10.0.0.5:1234/pairing --file notes.md
  code-with-me join --discover --file notes.md`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			link, err := resolveInvite(cmd.Context(), opts, args)
			if err != nil {
				return err
			}
			return runSession(cmd, opts, func(ctx context.Context, c *session.Commands) error {
				if err := c.JoinSession(ctx, link); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "joined %s\n", link)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&opts.File, "file", "", "file to sync into (required)")
	cmd.Flags().BoolVar(&opts.Discover, "discover", false, "find a relay on the local network")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func resolveInvite(ctx context.Context, opts *SessionOptions, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	if !opts.Discover {
		return "", errors.New("an invite link or --discover is required")
	}

	browseCtx, cancel := context.WithTimeout(ctx, opts.Config.Session.DiscoverWait)
	defer cancel()
	relays, err := discovery.Browse(browseCtx)
	if err != nil {
		return "", err
	}
	if len(relays) == 0 {
		return "", errors.New("no relay found on the local network")
	}

	r := relays[0]
	room := r.Room
	if room == "" {
		room = protocol.DefaultRoom
	}
	opts.Logger.Info("discovered relay", "instance", r.Instance, "endpoint", r.Endpoint, "found", len(relays))
	return session.FormatInviteLink(r.Endpoint, room), nil
}

// runSession mirrors the file into a workspace, starts the session and
// keeps it running until interrupted.
func runSession(cmd *cobra.Command, opts *SessionOptions, start func(context.Context, *session.Commands) error) error {
	cfg := opts.Config.Session
	if opts.Endpoint != "" {
		cfg.Endpoint = opts.Endpoint
	}
	if opts.Room != "" {
		cfg.Room = opts.Room
	}
	log := opts.Logger

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ws := editor.NewWorkspace()
	mirror, err := editor.NewFileMirror(ws, opts.File, cfg.PollInterval, log)
	if err != nil {
		return err
	}
	defer mirror.Close()

	manager := session.NewManager(session.Options{
		Editor:         ws,
		Transports:     session.ProviderFactory{Name: cfg.Name, Logger: log},
		Logger:         log,
		ConnectTimeout: cfg.ConnectTimeout,
	})
	commands := session.NewCommands(manager, cfg.Endpoint, cfg.Room)
	defer commands.StopSession()

	if err := start(ctx, commands); err != nil {
		return err
	}

	if err := mirror.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if info, ok := manager.Info(); ok {
		log.Info("stopping session",
			"room", info.Room,
			"synced", info.Synced,
			"version", info.Version,
			"length", info.Length,
			"pending", info.Pending,
			"last_modified", info.LastModified,
		)
	}
	return nil
}
