package cli

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"code-with-me/internal/discovery"
	"code-with-me/internal/hub"
	"github.com/spf13/cobra"
)

// RelayOptions holds flags for the relay command.
type RelayOptions struct {
	*RootOptions
	Listen    string
	Redis     string
	Advertise bool
	Instance  string
}

// NewRelayCommand creates the relay command.
func NewRelayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RelayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run a relay server",
		Long: `Run the websocket relay that peers connect to.

Each URL path is a room; the root path is the default room. With --redis
several relays can serve the same rooms, and --advertise announces the
relay on the local network.

Example:
  code-with-me relay --listen :1234
  code-with-me relay --listen :1234 --redis localhost:6379 --advertise`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (overrides relay.listen_addr)")
	cmd.Flags().StringVar(&opts.Redis, "redis", "", "redis address for multi-relay fan-out")
	cmd.Flags().BoolVar(&opts.Advertise, "advertise", false, "announce the relay over mDNS")
	cmd.Flags().StringVar(&opts.Instance, "instance", "", "mDNS instance name (defaults to the hostname)")

	return cmd
}

func runRelay(cmd *cobra.Command, opts *RelayOptions) error {
	cfg := opts.Config.Relay
	if opts.Listen != "" {
		cfg.ListenAddr = opts.Listen
	}
	if opts.Redis != "" {
		cfg.RedisAddr = opts.Redis
	}
	if opts.Advertise {
		cfg.Advertise = true
	}
	if opts.Instance != "" {
		cfg.Instance = opts.Instance
	}
	log := opts.Logger

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hubOpts := hub.Options{Logger: log}
	if cfg.RedisAddr != "" {
		broker, err := hub.NewRedisBroker(ctx, cfg.RedisAddr)
		if err != nil {
			return err
		}
		defer broker.Close()
		hubOpts.Broker = broker
		log.Info("connected to redis", "addr", cfg.RedisAddr)
	}

	h := hub.NewHub(hubOpts)
	go h.Run()

	srv := hub.NewServer(cfg.ListenAddr, h, log)
	addr, err := srv.Listen()
	if err != nil {
		h.Shutdown()
		return fmt.Errorf("failed to listen on %s: %w", cfg.ListenAddr, err)
	}

	if cfg.Advertise {
		instance := cfg.Instance
		if instance == "" {
			instance, _ = os.Hostname()
		}
		port := addr.(*net.TCPAddr).Port
		ad, err := discovery.Advertise(instance, port, opts.Config.Session.Room)
		if err != nil {
			log.Warn("mdns advertisement failed", "err", err)
		} else {
			defer ad.Shutdown()
			log.Info("advertising relay", "instance", instance, "port", port)
		}
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Start() }()
	fmt.Fprintf(cmd.OutOrStdout(), "relay listening on %s\n", addr)

	select {
	case err := <-errc:
		h.Shutdown()
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown", "err", err)
	}
	return <-errc
}
