package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/joescharf/bugbot/internal/conversation"
	"github.com/joescharf/bugbot/internal/models"
)

var (
	chatPersonID string
	chatEmail    string
	chatName     string
	chatWeb      bool
)

const chatPollInterval = 500 * time.Millisecond

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to BugBot in the terminal",
	Long: `Start an interactive conversation with BugBot as one local chat user.

With --web the bug pages are served in the same process, so comments
posted from the browser show up in the terminal as notifications.
Type /help to see what BugBot can do. Press Ctrl-D to leave.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return chatRun(cmd.Context(), os.Stdin)
	},
}

func init() {
	chatCmd.Flags().StringVar(&chatPersonID, "id", "local", "Chat person id")
	chatCmd.Flags().StringVar(&chatEmail, "email", defaultChatEmail(), "Chat person email; comment authors are recognized by it")
	chatCmd.Flags().StringVar(&chatName, "name", os.Getenv("USER"), "Display name")
	chatCmd.Flags().BoolVar(&chatWeb, "web", false, "Also serve the web view")
	rootCmd.AddCommand(chatCmd)
}

// defaultChatEmail is $USER@localhost. Comment authors are matched by email,
// so without one the local user is notified of their own comments.
func defaultChatEmail() string {
	if u := os.Getenv("USER"); u != "" {
		return u + "@localhost"
	}
	return ""
}

// console prints bot messages queued for the local user.
type console struct {
	mu      sync.Mutex
	app     *app
	me      models.UserRef
	botName string
}

// flush drains and prints everything queued for the local user.
func (c *console) flush(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs, err := c.app.outbox.Drain(ctx, c.me.Key())
	if err != nil {
		return err
	}
	for _, m := range msgs {
		ui.Bot(c.botName, m.Body)
	}
	return nil
}

func (c *console) prompt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	ui.Prompt(c.me.Display())
}

func chatRun(ctx context.Context, in io.Reader) error {
	s, err := loadSettings()
	if err != nil {
		return err
	}
	me := models.UserRef{PersonID: chatPersonID, Email: chatEmail, Name: chatName}
	if me.Key() == "" {
		return conversation.ErrNoIdentity
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

	c := &console{app: a, me: me, botName: s.BotName}
	g, ctx := errgroup.WithContext(ctx)
	a.runJanitors(ctx, g)

	if chatWeb {
		handler, err := a.webHandler()
		if err != nil {
			return err
		}
		srv := &http.Server{Addr: fmt.Sprintf(":%d", s.Port), Handler: handler, ReadHeaderTimeout: 10 * time.Second}
		serveHTTP(ctx, g, srv, a.log)
		ui.Info("Serving bug pages at %s", s.Store.PublicURL)
	}

	ui.Info("Chatting with %s as %s. Type /help to get started.", c.botName, me.Display())

	// Notifications caused by others arrive while the user is typing.
	g.Go(func() error {
		ticker := time.NewTicker(chatPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := c.flush(ctx); err != nil && ctx.Err() == nil {
					return err
				}
			}
		}
	})

	g.Go(func() error {
		err := c.converse(ctx, in)
		stop()
		return err
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// converse feeds input lines to the engine until EOF or ctx is done.
func (c *console) converse(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		c.prompt()
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				c.mu.Lock()
				fmt.Fprintln(ui.Out)
				c.mu.Unlock()
				return nil
			}
			if err := c.app.engine.Handle(ctx, c.me, line); err != nil {
				return err
			}
			if err := c.flush(ctx); err != nil {
				return err
			}
		}
	}
}
