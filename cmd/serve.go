package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/joescharf/bugbot/internal/web"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the web and chat webhook server",
	Long: `Start an HTTP server with the bug pages, the chat message endpoint
(POST /chat/messages) and the outbox drain endpoint (GET /chat/outbox).
By default it listens on port 8080. Use --port to change it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveRun(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntP("port", "p", 8080, "port to listen on")
	_ = viper.BindPFlag("port", serveCmd.Flags().Lookup("port"))
}

func serveRun(ctx context.Context) error {
	s, err := loadSettings()
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would serve on port %d (public URL %s, outbox %s)", s.Port, s.Store.PublicURL, s.OutboxPath)
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, shutdownSignals()...)
	defer stop()

	a, err := newApp(ctx, s, s.OutboxPath, logger)
	if err != nil {
		return err
	}
	defer func() { _ = a.close() }()

	handler, err := a.webHandler()
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	a.runJanitors(ctx, g)
	serveHTTP(ctx, g, srv, a.log)

	ui.Info("Serving BugBot at %s", s.Store.PublicURL)
	return g.Wait()
}

// webHandler builds the router for the web front end.
func (a *app) webHandler() (http.Handler, error) {
	srv, err := web.NewServer(web.Config{
		Service:    a.svc,
		Chat:       a.engine,
		Mailbox:    a.outbox,
		AllowList:  a.settings.AllowList,
		DateLayout: a.settings.DateLayout,
		Logger:     a.log,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize web server: %w", err)
	}
	return srv.Router(), nil
}

// serveHTTP runs srv on g and shuts it down gracefully when ctx is done.
func serveHTTP(ctx context.Context, g *errgroup.Group, srv *http.Server, log *zap.Logger) {
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Info("shutting down http server", zap.String("addr", srv.Addr))
		return srv.Shutdown(shutdownCtx)
	})
}
