package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ppiankov/forumspy/internal/config"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config directory with example files",
	RunE:  initAction,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func initAction(_ *cobra.Command, _ []string) error {
	if err := os.MkdirAll(filepath.Join(configDir, config.DefaultFixturesDir), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	created := 0

	configPath := filepath.Join(configDir, config.DefaultConfigFile)
	wrote, err := writeIfNotExists(configPath, []byte(exampleConfig))
	if err != nil {
		return err
	}
	if wrote {
		created++
	}

	envPath := filepath.Join(configDir, ".env")
	wrote, err = writeIfNotExists(envPath, []byte(exampleEnv))
	if err != nil {
		return err
	}
	if wrote {
		created++
	}

	if created == 0 {
		fmt.Printf("Config directory %s already initialized.\n", configDir)
	} else {
		fmt.Printf("Initialized %s with %d config files.\n", configDir, created)
	}
	return nil
}

// writeIfNotExists writes data to path if the file does not exist.
// Returns true if the file was created.
func writeIfNotExists(path string, data []byte) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("  exists: %s\n", path)
		return false, nil
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Printf("  created: %s\n", path)
	return true, nil
}

const exampleConfig = `# forumspy configuration

forum:
  root: https://forum.starmen.net
  spy_path: /forum/spy.ajax
  timezone: America/Chicago
  timeout: 30s
  excluded_boards:
    - /forum/Community/mafia
    - /forum/Community/mafiB
  resolve_names: true

poll:
  interval: 15s
  retry_interval: 30s
  prime: true

destination:
  kind: discord            # discord or slack
  webhook_url_env: FORUM_SPY_DISCORD_WEBHOOK_URL
  # max_body_length: 250
  # max_attachments: 4
  retry:
    attempts: 5
    delay: 5s
    min_interval: 1s

storage:
  kind: file               # file, sqlite or redis
  path: delivered.txt      # relative to this directory
  retain: 500
  # redis:
  #   addr: localhost:6379
  #   password_env: FORUMSPY_REDIS_PASSWORD
  #   key: forumspy:delivered

fixtures:
  dir: fixtures

log:
  level: info
  format: text

metrics:
  listen: ""               # e.g. ":9109"
`

const exampleEnv = `# Loaded before config.yaml. Variables already set in the environment win.
FORUM_SPY_DISCORD_WEBHOOK_URL=
`
