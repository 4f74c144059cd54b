package cmd

import (
	"context"
	"errors"
	"os/signal"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/joescharf/bugbot/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This lets an MCP client chat with BugBot on behalf of a person and look
up bugs. Configure it in the client with:

  {
    "mcpServers": {
      "bugbot": { "command": "bugbot", "args": ["mcp"] }
    }
  }

Available tools: bugbot_send_message, bugbot_pending_messages,
bugbot_get_bug, and bugbot_list_bugs when allow_list_all is set.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return mcpRun(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func mcpRun(ctx context.Context) error {
	s, err := loadSettings()
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, shutdownSignals()...)
	defer stop()

	a, err := newApp(ctx, s, ":memory:", logger)
	if err != nil {
		return err
	}
	defer func() { _ = a.close() }()

	srv := mcp.NewServer(a.svc, a.engine, a.outbox, s.AllowList, buildVersion)

	g, ctx := errgroup.WithContext(ctx)
	a.runJanitors(ctx, g)
	g.Go(func() error {
		defer stop()
		if err := srv.ServeStdio(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	return g.Wait()
}
