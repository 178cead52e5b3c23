package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/tanoasia/feedrelay/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config directory with an example config file",
	RunE:  initAction,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func initAction(_ *cobra.Command, _ []string) error {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	configPath := filepath.Join(configDir, config.DefaultConfigFile)
	wrote, err := writeIfNotExists(configPath, []byte(exampleConfig))
	if err != nil {
		return err
	}
	if !wrote {
		fmt.Printf("Config directory %s already initialized.\n", configDir)
		return nil
	}
	fmt.Printf("Initialized %s.\n", configDir)
	return nil
}

// writeIfNotExists writes data to path if the file does not exist.
// Returns true if the file was created.
func writeIfNotExists(path string, data []byte) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("  exists: %s\n", path)
		return false, nil
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Printf("  created: %s\n", path)
	return true, nil
}

const exampleConfig = `# feedrelay configuration

feeds:
  host: "http://localhost:1200"
  backup_host: "https://rsshub.app"
  timeout: 30s

schedule:
  interval: 20m
  # No cycles run between quiet_start and quiet_end. A window whose end
  # is before its start wraps past midnight.
  quiet_start: "01:00"
  quiet_end: "07:00"

transport:
  url: "ws://localhost:8080"
  access_token_env: ONEBOT_ACCESS_TOKEN
  bot_id: 10000
  bot_name: feedrelay

translate:
  model: gpt-4o-mini
  # base_url: "https://api.openai.com/v1"
  api_key_env: OPENAI_API_KEY

health:
  # url: "https://hc-ping.com/your-check-id"

storage:
  path: .feedrelay/feedrelay.db

delivery:
  max_entries: 3
  max_images: 10
  send_concurrency: 10
  message_every: 500ms
  image_timeout: 20s
`
