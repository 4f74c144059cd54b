package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/bugbot/internal/output"
	"github.com/joescharf/bugbot/internal/web"
)

var (
	bugsServer   string
	bugsOpenOnly bool
)

var bugsClient = &http.Client{Timeout: 10 * time.Second}

var bugsCmd = &cobra.Command{
	Use:   "bugs",
	Short: "List the bugs tracked by a running server",
	Long: `List the bugs tracked by a running bugbot server.

The server must have allow_list_all enabled. Without --server the
configured public_url is used.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return bugsRun(cmd.Context())
	},
}

func init() {
	bugsCmd.Flags().StringVar(&bugsServer, "server", "", "Server base URL (default: public_url)")
	bugsCmd.Flags().BoolVar(&bugsOpenOnly, "open", false, "Only show open bugs")
	rootCmd.AddCommand(bugsCmd)
}

func bugsRun(ctx context.Context) error {
	s, err := loadSettings()
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	base := strings.TrimRight(bugsServer, "/")
	if base == "" {
		base = s.Store.PublicURL
	}

	bugs, err := fetchBugs(ctx, base)
	if err != nil {
		return err
	}

	table := ui.Table([]string{"ID", "Title", "Urgency", "Status", "Subscribers", "Comments", "Opened"})
	shown := 0
	for _, b := range bugs {
		if bugsOpenOnly && b.Status != "Open" {
			continue
		}
		shown++
		if err := table.Append([]string{
			output.Cyan(b.ID),
			b.Title,
			output.UrgencyColor(b.Urgency.Title()),
			output.StatusColor(b.Status),
			strconv.Itoa(b.Subscribers),
			strconv.Itoa(b.Comments),
			b.DateOpened.Local().Format(s.DateLayout),
		}); err != nil {
			return err
		}
	}
	if shown == 0 {
		ui.Info("No bugs are being tracked at %s", base)
		return nil
	}
	return table.Render()
}

func fetchBugs(ctx context.Context, base string) ([]web.BugSummary, error) {
	url := base + "/bugs"
	ui.VerboseLog("Fetching %s", url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := bugsClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch bugs: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("%s does not list bugs; enable allow_list_all on the server", base)
	default:
		return nil, fmt.Errorf("fetch bugs: %s", resp.Status)
	}

	var bugs []web.BugSummary
	if err := json.NewDecoder(resp.Body).Decode(&bugs); err != nil {
		return nil, fmt.Errorf("decode bug list: %w", err)
	}
	ui.VerboseLog("Received %d bugs", len(bugs))
	return bugs, nil
}
