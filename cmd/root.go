package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/joescharf/bugbot/internal/output"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui     *output.UI
	logger *zap.Logger

	verbose bool
	dryRun  bool
)

var rootCmd = &cobra.Command{
	Use:   "bugbot",
	Short: "BugBot - a conversational bug tracker",
	Long: `bugbot tracks bug reports in memory and lets people report, view,
comment on and follow bugs by chatting with a bot.

It serves a web view of every bug, a JSON endpoint messaging platforms
post chat messages to, and an MCP server for tool-based clients.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output and debug logging")
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false, "Show what would happen without making changes")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/bugbot/config.yaml)")
}

func initConfig() {
	// Environment from .env is best-effort and never overrides the real environment.
	_ = godotenv.Load()

	// If --config is explicitly set, use that file
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		dir, err := configDirFunc()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}
		viper.AddConfigPath(dir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("BUGBOT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	home, _ := os.UserHomeDir()
	setDefaults(filepath.Join(home, ".config", "bugbot"))

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

// setDefaults registers the default of every configuration key.
func setDefaults(stateDir string) {
	viper.SetDefault("state_dir", stateDir)
	viper.SetDefault("outbox_path", filepath.Join(stateDir, "outbox.db"))
	viper.SetDefault("public_url", "http://localhost:8080")
	viper.SetDefault("port", 8080)
	viper.SetDefault("allow_list_all", false)
	viper.SetDefault("date_format", "2006-01-02 3:04 PM -0700")
	viper.SetDefault("store.max", 1000)
	viper.SetDefault("store.max_age", "168h")
	viper.SetDefault("store.bug_id_length", 32)
	viper.SetDefault("store.sweep_interval", "1m")
	viper.SetDefault("conversation.timeout", "10m")
	viper.SetDefault("conversation.sweep_interval", "30s")
	viper.SetDefault("outbox.retention", "24h")
	viper.SetDefault("outbox.purge_interval", "10m")
	viper.SetDefault("bot.name", "BugBot")
	viper.SetDefault("classifier", "keyword")
	viper.SetDefault("anthropic.api_key", "")
	viper.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose
	ui.DryRun = dryRun

	l, err := newLogger(verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger = l
}

// newLogger builds the production logger, at debug level when verbose.
// Logs go to stderr so stdio transports keep stdout to themselves.
func newLogger(verbose bool) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return config.Build()
}
