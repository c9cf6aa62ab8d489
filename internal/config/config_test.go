package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg, err := Default()
	require.NoError(t, err)
	assert.Equal(t, DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, 2, cfg.Router.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.Router.PollInterval)
	assert.Equal(t, 30*time.Second, cfg.Connector.Timeout)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
app:
  environment: test
database:
  driver: postgres
  dsn: postgres://router@localhost/router?sslmode=disable
router:
  batch_size: 25
  retry_delay: 250ms
account_sync:
  targets: HL:1,HL:2
`), 0o600))

	t.Setenv("ROUTER_ROUTER_WORKER_COUNT", "3")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "test", cfg.App.Environment)
	assert.Equal(t, DriverPostgres, cfg.Database.Driver)
	assert.Equal(t, 25, cfg.Router.BatchSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Router.RetryDelay)
	assert.Equal(t, 3, cfg.Router.WorkerCount)
	assert.Equal(t, []string{"HL:1", "HL:2"}, cfg.AccountSync.Targets)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidateAggregatesErrors(t *testing.T) {
	cfg, err := Default()
	require.NoError(t, err)

	cfg.Database.Driver = "mysql"
	cfg.Router.BatchSize = 0
	cfg.Router.TickValue = 0
	cfg.Connector.RateBurst = 0
	cfg.Monitor.Port = 70000
	cfg.AccountSync.Targets = []string{"broken"}

	err = cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		"database.driver",
		"router.batch_size",
		"router.tick_value",
		"connector.rate_burst",
		"monitor.port",
		"account_sync.targets",
	} {
		assert.Contains(t, err.Error(), want)
	}
}
