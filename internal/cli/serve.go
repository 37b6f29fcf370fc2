package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/rift/internal/relay"
	"github.com/roach88/rift/internal/store"
)

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 5 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen string

	// ready is called with the bound address once the relay accepts
	// connections.
	ready func(net.Addr)
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		Long: `Run a websocket relay over the local SQLite database.

Clients with relay_url = "ws://<listen>" share the database through the
relay: reads, writes and watches are forwarded, and every change is pushed
to the clients watching it.

Example:
  rift serve
  rift serve --listen 0.0.0.0:7488`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (default from config)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	logger := opts.newLogger(cfg, cmd.ErrOrStderr())

	addr := cfg.ListenAddr
	if opts.Listen != "" {
		addr = opts.Listen
	}

	if err := cfg.EnsureDirs(); err != nil {
		return WrapExitError(ExitCommandError, "failed to create data directory", err)
	}
	db, err := store.Open(cfg.DBPath, store.WithLogger(logger))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			logger.Error("error closing database", "error", closeErr)
		}
	}()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}

	relaySrv := relay.NewServer(db, relay.WithServerLogger(logger))
	httpSrv := &http.Server{
		Handler:           relaySrv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpSrv.Serve(ln)
	}()

	logger.Info("relay listening", "addr", ln.Addr().String(), "db", cfg.DBPath)
	fmt.Fprintf(cmd.OutOrStdout(), "Relay listening on ws://%s\n", ln.Addr())
	if opts.ready != nil {
		opts.ready(ln.Addr())
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down relay")
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = WrapExitError(ExitFailure, "relay server failed", err)
		}
	}

	// Websocket connections are hijacked, so the relay closes them itself.
	if err := relaySrv.Close(); err != nil {
		logger.Warn("closing relay sessions", "error", err)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}

	logger.Info("relay stopped")
	return runErr
}
