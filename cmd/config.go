package cmd

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "bugbot"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage bugbot configuration.

Every key can also be set from the environment with the BUGBOT_ prefix,
dots replaced by underscores (store.max is BUGBOT_STORE_MAX). A .env file
in the working directory is loaded first.

Running bare 'bugbot config' is the same as 'bugbot config show'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config file with commented defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configInitRun()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration with sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configEditRun()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	rootCmd.AddCommand(configCmd)
}

// configTemplate is the template for generating config.yaml with comments.
const configTemplate = `# bugbot configuration
# See: bugbot config show (for effective values and sources)

# State/data directory (default: ~/.config/bugbot)
# state_dir: {{ .StateDir }}

# Outbound chat message queue used by 'bugbot serve'
# outbox_path: {{ .OutboxPath }}

# Base URL bug links are built from
public_url: "{{ .PublicURL }}"

# HTTP port for 'bugbot serve' and 'bugbot chat --web'
port: {{ .Port }}

# Allow anyone to list every tracked bug (/list, GET /bugs)
allow_list_all: {{ .AllowList }}

# Go time layout for dates shown to people
date_format: "{{ .DateFormat }}"

store:
  # Maximum number of bugs kept; the least recently used is dropped first
  max: {{ .StoreMax }}
  # Bugs not looked at for this long are dropped
  max_age: {{ .StoreMaxAge }}
  # Length of generated bug ids (even)
  bug_id_length: {{ .IDLength }}

conversation:
  # Idle time after which a conversation is forgotten
  timeout: {{ .ConversationTimeout }}

bot:
  # Name stripped from chat messages that @mention the bot
  name: "{{ .BotName }}"

# Intent classifier: "keyword" or "anthropic"
classifier: "{{ .Classifier }}"

anthropic:
  # API key (or set ANTHROPIC_API_KEY)
  api_key: ""
  model: "{{ .AnthropicModel }}"
`

type configTemplateData struct {
	StateDir            string
	OutboxPath          string
	PublicURL           string
	Port                int
	AllowList           bool
	DateFormat          string
	StoreMax            int
	StoreMaxAge         string
	IDLength            int
	ConversationTimeout string
	BotName             string
	Classifier          string
	AnthropicModel      string
}

func configFilePath() (string, error) {
	dir, err := configDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func configInitRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if file already exists
	if _, err := os.Stat(cfgPath); err == nil {
		if !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
		}
		ui.Warning("Overwriting existing config file")
	}

	// Build template data from current viper values
	data := configTemplateData{
		StateDir:            viper.GetString("state_dir"),
		OutboxPath:          viper.GetString("outbox_path"),
		PublicURL:           viper.GetString("public_url"),
		Port:                viper.GetInt("port"),
		AllowList:           viper.GetBool("allow_list_all"),
		DateFormat:          viper.GetString("date_format"),
		StoreMax:            viper.GetInt("store.max"),
		StoreMaxAge:         viper.GetDuration("store.max_age").String(),
		IDLength:            viper.GetInt("store.bug_id_length"),
		ConversationTimeout: viper.GetDuration("conversation.timeout").String(),
		BotName:             viper.GetString("bot.name"),
		Classifier:          viper.GetString("classifier"),
		AnthropicModel:      viper.GetString("anthropic.model"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("template execute error: %w", err)
	}

	if dryRun {
		ui.DryRunMsg("Would create config file: %s", cfgPath)
		fmt.Fprintln(ui.Out)
		fmt.Fprint(ui.Out, buf.String())
		return nil
	}

	// Create config directory
	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(cfgPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	ui.Success("Config file created: %s", cfgPath)
	fmt.Fprintln(ui.Out)
	fmt.Fprint(ui.Out, buf.String())
	return nil
}

// configKeyInfo describes a config key for display purposes.
type configKeyInfo struct {
	Key    string
	EnvVar string
	Secret bool
}

var configKeys = []configKeyInfo{
	{Key: "state_dir", EnvVar: "BUGBOT_STATE_DIR"},
	{Key: "outbox_path", EnvVar: "BUGBOT_OUTBOX_PATH"},
	{Key: "public_url", EnvVar: "BUGBOT_PUBLIC_URL"},
	{Key: "port", EnvVar: "BUGBOT_PORT"},
	{Key: "allow_list_all", EnvVar: "BUGBOT_ALLOW_LIST_ALL"},
	{Key: "date_format", EnvVar: "BUGBOT_DATE_FORMAT"},
	{Key: "store.max", EnvVar: "BUGBOT_STORE_MAX"},
	{Key: "store.max_age", EnvVar: "BUGBOT_STORE_MAX_AGE"},
	{Key: "store.bug_id_length", EnvVar: "BUGBOT_STORE_BUG_ID_LENGTH"},
	{Key: "store.sweep_interval", EnvVar: "BUGBOT_STORE_SWEEP_INTERVAL"},
	{Key: "conversation.timeout", EnvVar: "BUGBOT_CONVERSATION_TIMEOUT"},
	{Key: "conversation.sweep_interval", EnvVar: "BUGBOT_CONVERSATION_SWEEP_INTERVAL"},
	{Key: "outbox.retention", EnvVar: "BUGBOT_OUTBOX_RETENTION"},
	{Key: "outbox.purge_interval", EnvVar: "BUGBOT_OUTBOX_PURGE_INTERVAL"},
	{Key: "bot.name", EnvVar: "BUGBOT_BOT_NAME"},
	{Key: "classifier", EnvVar: "BUGBOT_CLASSIFIER"},
	{Key: "anthropic.api_key", EnvVar: "BUGBOT_ANTHROPIC_API_KEY", Secret: true},
	{Key: "anthropic.model", EnvVar: "BUGBOT_ANTHROPIC_MODEL"},
}

func configShowRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if config file exists
	if _, err := os.Stat(cfgPath); err == nil {
		ui.Info("Config file: %s", cfgPath)
	} else {
		ui.Info("Config file: (none)")
	}
	fmt.Fprintln(ui.Out)

	// Read config file values to determine file source
	fileValues := readConfigFileValues(cfgPath)

	table := ui.Table([]string{"Key", "Value", "Source"})
	for _, k := range configKeys {
		val := fmt.Sprint(viper.Get(k.Key))
		if k.Secret && val != "" {
			val = "********"
		}
		if err := table.Append([]string{k.Key, val, detectSource(k.Key, k.EnvVar, fileValues)}); err != nil {
			return err
		}
	}
	return table.Render()
}

// readConfigFileValues reads the raw YAML file and returns a flat map of keys present in it.
func readConfigFileValues(path string) map[string]bool {
	result := make(map[string]bool)

	data, err := os.ReadFile(path)
	if err != nil {
		return result
	}

	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return result
	}

	// Flatten nested keys with dot notation
	flattenKeys("", parsed, result)
	return result
}

// flattenKeys recursively flattens a nested map to dot-notation keys.
func flattenKeys(prefix string, m map[string]any, result map[string]bool) {
	for key, val := range m {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			flattenKeys(fullKey, nested, result)
		} else {
			result[fullKey] = true
		}
	}
}

// detectSource determines where a config value is coming from.
func detectSource(key, envVar string, fileValues map[string]bool) string {
	if _, ok := os.LookupEnv(envVar); ok {
		return fmt.Sprintf("(env: %s)", envVar)
	}
	if fileValues[key] {
		return "(file)"
	}
	return "(default)"
}

func configEditRun() error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		return fmt.Errorf("$EDITOR is not set; set it to your preferred editor (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'bugbot config init' first)", cfgPath)
	}

	if dryRun {
		ui.DryRunMsg("Would open %s in %s", cfgPath, editor)
		return nil
	}

	editCmd := exec.Command(editor, cfgPath)
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	return editCmd.Run()
}
