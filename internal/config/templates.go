package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# Stockly alert pipeline configuration

[cron]
# Run the alert pass at all
enabled = true
# Polling cadence used by 'stockly cron serve'
interval = "5m"
# Minimum seconds between physical writes of alert state
min_flush_interval_seconds = 3600
# Timezone for quiet hours and market hours
timezone = "America/New_York"
# Skip passes between these local times (HH:MM), leave empty to disable
quiet_hours_start = ""
quiet_hours_end = ""
# Only run while US equity markets are open
market_hours_only = false

[kv]
# State backend: none, memory, redis
backend = "redis"
redis_addr = "localhost:6379"
redis_db = 0
state_key = "alert_states:v1"

[prices]
base_url = "https://financialmodelingprep.com/api/v3"
timeout = "30s"
batch_size = 50
# Consecutive failed fetches before the price source circuit opens
failure_threshold = 3

[push]
endpoint = "https://fcm.googleapis.com"
project_id = ""
timeout = "30s"

[store]
sqlite_path = ""

[metrics]
addr = ":9090"

[logging]
level = "info"
json = false
file = ""
`

const credentialsTemplate = `# Stockly credentials
# WARNING: Keep this file secure! Do not commit to version control.

[fmp]
api_key = ""

[redis]
password = ""

[push]
# Path to the service account JSON used for the push gateway
service_account_file = ""
`

func createTemplateConfig(configDir, name string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, name+".toml")
	if err := os.WriteFile(path, []byte(configTemplate), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	return fmt.Errorf("config file not found, created template at %s", path)
}

func createTemplateCredentials(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, "credentials.toml")
	// Use restricted permissions for credentials file
	if err := os.WriteFile(path, []byte(credentialsTemplate), 0600); err != nil {
		return fmt.Errorf("writing credentials template: %w", err)
	}

	return fmt.Errorf("credentials file not found, created template at %s", path)
}
