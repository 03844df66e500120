package config

// ProviderSettings holds configuration for a single provider from
// resources.yaml.
type ProviderSettings struct {
	// Enabled determines if the provider is registered.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// URL is the webhook endpoint; empty means a log sink.
	URL string `yaml:"url,omitempty" json:"url,omitempty"`

	// Description is a human-readable description.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Extra holds any additional provider-specific configuration.
	Extra map[string]any `yaml:"extra,omitempty" json:"extra,omitempty"`
}

// ChainStepConfig is one step of a chain definition.
type ChainStepConfig struct {
	Name       string `yaml:"name" json:"name"`
	Provider   string `yaml:"provider,omitempty" json:"provider,omitempty"`
	ActionType string `yaml:"action_type,omitempty" json:"action_type,omitempty"`
	SubChain   string `yaml:"sub_chain,omitempty" json:"sub_chain,omitempty"`
}

// ChainConfig is one named chain definition.
type ChainConfig struct {
	Name               string            `yaml:"name" json:"name"`
	StepTimeoutSeconds int               `yaml:"step_timeout_seconds,omitempty" json:"step_timeout_seconds,omitempty"`
	Steps              []ChainStepConfig `yaml:"steps" json:"steps"`
}

// TimeoutConfig arms an automatic transition on a lingering state.
type TimeoutConfig struct {
	AfterSeconds int    `yaml:"after_seconds" json:"after_seconds"`
	TransitionTo string `yaml:"transition_to" json:"transition_to"`
}

// MachineConfig is one event state machine definition.
type MachineConfig struct {
	Name     string                   `yaml:"name" json:"name"`
	States   []string                 `yaml:"states" json:"states"`
	Initial  string                   `yaml:"initial" json:"initial"`
	Terminal []string                 `yaml:"terminal,omitempty" json:"terminal,omitempty"`
	Timeouts map[string]TimeoutConfig `yaml:"timeouts,omitempty" json:"timeouts,omitempty"`
	NotifyOn []string                 `yaml:"notify_on,omitempty" json:"notify_on,omitempty"`
}

// ApprovalPolicyConfig gates actions behind sign-off.
type ApprovalPolicyConfig struct {
	Name          string   `yaml:"name" json:"name"`
	Approvers     []string `yaml:"approvers,omitempty" json:"approvers,omitempty"`
	MinApprovals  int      `yaml:"min_approvals" json:"min_approvals"`
	ExpiresAfterS int      `yaml:"expires_after_seconds" json:"expires_after_seconds"`
}

// QuotaConfig caps actions per (namespace, tenant) per window.
type QuotaConfig struct {
	ID            string `yaml:"id" json:"id"`
	Namespace     string `yaml:"namespace,omitempty" json:"namespace,omitempty"`
	Tenant        string `yaml:"tenant,omitempty" json:"tenant,omitempty"`
	MaxActions    int64  `yaml:"max_actions" json:"max_actions"`
	Window        string `yaml:"window" json:"window"`
	CustomSeconds int64  `yaml:"custom_seconds,omitempty" json:"custom_seconds,omitempty"`
	Overage       string `yaml:"overage" json:"overage"`
	Enabled       bool   `yaml:"enabled" json:"enabled"`
}

// RetentionConfig ages out state entries of the listed kinds.
type RetentionConfig struct {
	ID             string   `yaml:"id" json:"id"`
	Namespace      string   `yaml:"namespace,omitempty" json:"namespace,omitempty"`
	Tenant         string   `yaml:"tenant,omitempty" json:"tenant,omitempty"`
	Kinds          []string `yaml:"kinds" json:"kinds"`
	MaxAgeSeconds  int      `yaml:"max_age_seconds" json:"max_age_seconds"`
	ComplianceHold bool     `yaml:"compliance_hold,omitempty" json:"compliance_hold,omitempty"`
	Enabled        bool     `yaml:"enabled" json:"enabled"`
}

// EnrichmentConfig merges external data into matching actions.
type EnrichmentConfig struct {
	Name           string         `yaml:"name" json:"name"`
	Namespace      *string        `yaml:"namespace,omitempty" json:"namespace,omitempty"`
	Tenant         *string        `yaml:"tenant,omitempty" json:"tenant,omitempty"`
	ActionType     *string        `yaml:"action_type,omitempty" json:"action_type,omitempty"`
	Provider       *string        `yaml:"provider,omitempty" json:"provider,omitempty"`
	Lookup         string         `yaml:"lookup" json:"lookup"`
	LookupURL      string         `yaml:"lookup_url,omitempty" json:"lookup_url,omitempty"`
	Params         map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
	MergeKey       string         `yaml:"merge_key" json:"merge_key"`
	TimeoutSeconds int            `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	// OnError is "fail_open" (default) or "fail_closed".
	OnError string `yaml:"on_error,omitempty" json:"on_error,omitempty"`
}

// TemplateConfig rewrites payload fields before execution.
type TemplateConfig struct {
	Name       string            `yaml:"name" json:"name"`
	Provider   string            `yaml:"provider,omitempty" json:"provider,omitempty"`
	ActionType string            `yaml:"action_type,omitempty" json:"action_type,omitempty"`
	Fields     map[string]string `yaml:"fields" json:"fields"`
}

// ResourcesConfig holds the declarative resources the gateway assembles
// at startup: providers, chains, state machines, approval policies,
// quotas, retention, enrichments, and templates.
type ResourcesConfig struct {
	Providers   map[string]*ProviderSettings `yaml:"providers" json:"providers"`
	Chains      []ChainConfig                `yaml:"chains,omitempty" json:"chains,omitempty"`
	Machines    []MachineConfig              `yaml:"machines,omitempty" json:"machines,omitempty"`
	Approvals   []ApprovalPolicyConfig       `yaml:"approvals,omitempty" json:"approvals,omitempty"`
	Quotas      []QuotaConfig                `yaml:"quotas,omitempty" json:"quotas,omitempty"`
	Retention   []RetentionConfig            `yaml:"retention,omitempty" json:"retention,omitempty"`
	Enrichments []EnrichmentConfig           `yaml:"enrichments,omitempty" json:"enrichments,omitempty"`
	Templates   []TemplateConfig             `yaml:"templates,omitempty" json:"templates,omitempty"`
}

// IsEnabled checks if a provider is enabled in the configuration.
// Returns false if the provider is not found.
func (c *ResourcesConfig) IsEnabled(name string) bool {
	if c == nil || c.Providers == nil {
		return false
	}
	settings, ok := c.Providers[name]
	if !ok {
		return false
	}
	return settings.Enabled
}

// GetProvider returns the settings for a provider, or nil.
func (c *ResourcesConfig) GetProvider(name string) *ProviderSettings {
	if c == nil || c.Providers == nil {
		return nil
	}
	return c.Providers[name]
}

// EnabledProviders returns a list of enabled provider names.
func (c *ResourcesConfig) EnabledProviders() []string {
	if c == nil || c.Providers == nil {
		return nil
	}
	var enabled []string
	for name, settings := range c.Providers {
		if settings.Enabled {
			enabled = append(enabled, name)
		}
	}
	return enabled
}
