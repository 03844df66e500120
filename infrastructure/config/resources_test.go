package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const resourcesYAML = `
providers:
  email:
    enabled: true
    url: https://hooks.example.com/email
    description: Primary email webhook
  sms:
    enabled: false
    url: https://hooks.example.com/sms
chains:
  - name: etl-pipeline
    step_timeout_seconds: 300
    steps:
      - name: validate
        provider: email
      - name: load
        provider: email
machines:
  - name: incident
    states: [open, resolved]
    initial: open
    terminal: [resolved]
quotas:
  - id: acme-cap
    tenant: acme
    max_actions: 100
    window: hourly
    overage: block
    enabled: true
enrichments:
  - name: host-info
    lookup: inventory
    lookup_url: https://inventory.example.com/lookup
    merge_key: host_info
    params:
      host: "{{payload.host}}"
`

func writeResources(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "resources.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadResourcesConfigFromPath(t *testing.T) {
	cfg, err := LoadResourcesConfigFromPath(writeResources(t, resourcesYAML))
	require.NoError(t, err)

	assert.True(t, cfg.IsEnabled("email"))
	assert.False(t, cfg.IsEnabled("sms"))
	assert.False(t, cfg.IsEnabled("ghost"))
	assert.Equal(t, []string{"email"}, cfg.EnabledProviders())
	require.NotNil(t, cfg.GetProvider("email"))
	assert.Equal(t, "https://hooks.example.com/email", cfg.GetProvider("email").URL)

	require.Len(t, cfg.Chains, 1)
	assert.Equal(t, 300, cfg.Chains[0].StepTimeoutSeconds)
	require.Len(t, cfg.Quotas, 1)
	assert.Equal(t, int64(100), cfg.Quotas[0].MaxActions)
	require.Len(t, cfg.Enrichments, 1)
	assert.Equal(t, "inventory", cfg.Enrichments[0].Lookup)
}

func TestLoadResourcesConfig_Validation(t *testing.T) {
	_, err := LoadResourcesConfigFromPath(writeResources(t, `
chains:
  - name: broken
    steps:
      - name: no-target
`))
	require.Error(t, err)

	_, err = LoadResourcesConfigFromPath(writeResources(t, `
quotas:
  - id: bad
    max_actions: 0
`))
	require.Error(t, err)
}

func TestLoadResourcesConfigOrDefault(t *testing.T) {
	cfg := LoadResourcesConfigOrDefault()
	require.NotNil(t, cfg)
	assert.True(t, cfg.IsEnabled("log"))
}
