package main

import (
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"codeask/internal/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write starter codeask.toml and servers.toml files",
	Long: `Write a codeask.toml with the default configuration and a servers.toml
manifest with one essential tool server entry, ready to edit. Secrets are
referenced as environment variables, never written to disk.`,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing files")
}

// configTemplate mirrors the viper key layout with TOML tags
type configTemplate struct {
	DataDir string `toml:"dataDir"`

	Repo struct {
		URL                 string `toml:"url"`
		Branch              string `toml:"branch"`
		CloneDir            string `toml:"cloneDir"`
		SyncSchedule        string `toml:"syncSchedule"`
		FetchTimeoutSeconds int    `toml:"fetchTimeoutSeconds"`
	} `toml:"repo"`

	Anthropic struct {
		Model                 string `toml:"model"`
		MaxIterations         int    `toml:"maxIterations"`
		EnableThinking        bool   `toml:"enableThinking"`
		ThinkingBudgetTokens  int    `toml:"thinkingBudgetTokens"`
		OutputReserveTokens   int    `toml:"outputReserveTokens"`
		RequestTimeoutSeconds int    `toml:"requestTimeoutSeconds"`
	} `toml:"anthropic"`

	ToolServers struct {
		ManifestPath          string `toml:"manifestPath"`
		CallTimeoutSeconds    int    `toml:"callTimeoutSeconds"`
		ConnectTimeoutSeconds int    `toml:"connectTimeoutSeconds"`
	} `toml:"toolServers"`

	Conversation struct {
		TTLSeconds     int `toml:"ttlSeconds"`
		MaxConcurrency int `toml:"maxConcurrency"`
	} `toml:"conversation"`

	Server struct {
		Addr               string `toml:"addr"`
		RateLimitPerMinute int    `toml:"rateLimitPerMinute"`
	} `toml:"server"`

	Logging struct {
		Format string `toml:"format"`
		Level  string `toml:"level"`
	} `toml:"logging"`
}

type serverTemplate struct {
	Command   string            `toml:"command"`
	Args      []string          `toml:"args"`
	Env       map[string]string `toml:"env,omitempty"`
	Essential bool              `toml:"essential"`
}

func runInit(cmd *cobra.Command, args []string) error {
	if err := writeTemplate("codeask.toml", configTemplateBytes()); err != nil {
		return err
	}
	if err := writeTemplate("servers.toml", serversTemplateBytes()); err != nil {
		return err
	}
	fmt.Println("wrote codeask.toml and servers.toml")
	fmt.Println("set CODEASK_REPO_URL, CODEASK_ANTHROPIC_APIKEY, and CODEASK_SERVER_APIKEY before serving")
	return nil
}

func configTemplateBytes() func() ([]byte, error) {
	return func() ([]byte, error) {
		defaults := config.DefaultConfig()
		var t configTemplate
		t.DataDir = defaults.DataDir
		t.Repo.Branch = defaults.Repo.Branch
		t.Repo.CloneDir = defaults.Repo.CloneDir
		t.Repo.SyncSchedule = defaults.Repo.SyncSchedule
		t.Repo.FetchTimeoutSeconds = defaults.Repo.FetchTimeoutSeconds
		t.Anthropic.Model = defaults.Anthropic.Model
		t.Anthropic.MaxIterations = defaults.Anthropic.MaxIterations
		t.Anthropic.EnableThinking = defaults.Anthropic.EnableThinking
		t.Anthropic.ThinkingBudgetTokens = defaults.Anthropic.ThinkingBudgetTokens
		t.Anthropic.OutputReserveTokens = defaults.Anthropic.OutputReserveTokens
		t.Anthropic.RequestTimeoutSeconds = defaults.Anthropic.RequestTimeoutSeconds
		t.ToolServers.ManifestPath = defaults.ToolServers.ManifestPath
		t.ToolServers.CallTimeoutSeconds = defaults.ToolServers.CallTimeoutSeconds
		t.ToolServers.ConnectTimeoutSeconds = defaults.ToolServers.ConnectTimeoutSeconds
		t.Conversation.TTLSeconds = defaults.Conversation.TTLSeconds
		t.Conversation.MaxConcurrency = defaults.Conversation.MaxConcurrency
		t.Server.Addr = defaults.Server.Addr
		t.Server.RateLimitPerMinute = defaults.Server.RateLimitPerMinute
		t.Logging.Format = defaults.Logging.Format
		t.Logging.Level = defaults.Logging.Level
		return toml.Marshal(t)
	}
}

func serversTemplateBytes() func() ([]byte, error) {
	return func() ([]byte, error) {
		manifest := map[string]map[string]serverTemplate{
			"servers": {
				"serena": {
					Command:   "serena",
					Args:      []string{"start-mcp-server", "--project", "./repo"},
					Essential: true,
				},
			},
		}
		return toml.Marshal(manifest)
	}
}

func writeTemplate(path string, render func() ([]byte, error)) error {
	if !initForce {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}
	data, err := render()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
