package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/offsync/internal/mcpserver"
	"github.com/alexjbarnes/offsync/internal/server"
	"github.com/alexjbarnes/offsync/internal/status"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func newRunCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync daemon",
		Long: `Run the sync engine until interrupted. A sync runs at startup, whenever a
connectivity feed reports a transport, and on demand through the MCP
sync_now tool when OFFSYNC_MCP_LISTEN_ADDR is set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), opts)
		},
	}
}

func runDaemon(parent context.Context, opts *RootOptions) error {
	if parent == nil {
		parent = context.Background()
	}

	a, err := openApp(opts, true)
	if err != nil {
		return err
	}
	defer a.Close()

	logger := a.logger
	logger.Info("offsync starting",
		slog.String("version", opts.Version),
		slog.String("endpoint", a.cfg.Endpoint),
		slog.Bool("mcp", a.cfg.MCPEnabled()),
	)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	if err := a.engine.Start(gctx); err != nil {
		return err
	}

	a.engine.Status().Subscribe(func(s status.Snapshot) {
		if s.State == status.Syncing {
			return
		}
		logger.Debug("sync status",
			slog.String("state", string(s.State)),
			slog.String("last_error", s.LastError.String()),
		)
	})

	if a.fileFeed != nil {
		g.Go(func() error {
			return ignoreCanceled(a.fileFeed.Run(gctx))
		})
	}

	if a.probeFeed != nil {
		g.Go(func() error {
			return ignoreCanceled(a.probeFeed.Run(gctx))
		})
	}

	if a.cfg.MCPEnabled() {
		g.Go(func() error {
			return runMCP(gctx, a, opts.Version)
		})
	}

	if err := a.engine.Trigger(); err != nil {
		return err
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		return nil
	})

	return g.Wait()
}

// runMCP serves the MCP tools until ctx is cancelled.
func runMCP(ctx context.Context, a *app, version string) error {
	mcpLogger := a.logger.With(slog.String("service", "mcp"))

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "offsync-mcp", Version: version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, a.engine)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	mux := server.NewMux(server.MuxConfig{
		APIKey:     a.cfg.MCPAPIKey,
		MCPHandler: mcpHandler,
		Status:     a.engine.Status(),
		Logger:     mcpLogger,
	})

	srv := &http.Server{
		Addr:         a.cfg.MCPListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	mcpLogger.Info("starting MCP server", slog.String("listen", a.cfg.MCPListenAddr))

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		mcpLogger.Info("shutting down MCP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("MCP server error: %w", err)
	}

	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// exitOnSignal is used by one-shot commands so Ctrl-C aborts an
// in-flight remote call.
func exitOnSignal(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
