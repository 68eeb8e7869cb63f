package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"recordflow/internal/domain"
	"recordflow/internal/sla"
)

// Config models recordflow.yml.
type Config struct {
	Organization struct {
		ID          string `yaml:"id"`
		Name        string `yaml:"name"`
		ArchiveUnit string `yaml:"archive_unit"`
	} `yaml:"organization"`
	Storage struct {
		Driver       string `yaml:"driver"`
		DSN          string `yaml:"dsn"`
		MaxOpenConns int    `yaml:"max_open_conns"`
	} `yaml:"storage"`
	SLA struct {
		Timezone            string         `yaml:"timezone"`
		RiskThresholdDays   map[string]int `yaml:"risk_threshold_days"`
		DefaultDeadlineDays map[string]int `yaml:"default_deadline_days"`
	} `yaml:"sla"`
	Sequences struct {
		Prefixes map[string]string `yaml:"prefixes"`
		Width    int               `yaml:"width"`
	} `yaml:"sequences"`
	Approvals struct {
		DefaultMode string `yaml:"default_mode"`
		AutoAdvance bool   `yaml:"auto_advance"`
	} `yaml:"approvals"`
	Digitization struct {
		MinOCRConfidence float64 `yaml:"min_ocr_confidence"`
	} `yaml:"digitization"`
	Engine struct {
		RetryAttempts int `yaml:"retry_attempts"`
	} `yaml:"engine"`
	RBAC struct {
		Roles map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
	Server   struct {
		BasePath  string `yaml:"base_path"`
		RateLimit struct {
			RPS   float64 `yaml:"rps"`
			Burst int     `yaml:"burst"`
		} `yaml:"rate_limit"`
	} `yaml:"server"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

type WebhookConfig struct {
	Name           string   `yaml:"name"`
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	FromStart      bool     `yaml:"from_start"`
}

const FileName = "recordflow.yml"

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with rf init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Organization.ID == "" {
		return fmt.Errorf("config.organization.id is required")
	}
	if c.Organization.ArchiveUnit == "" {
		return fmt.Errorf("config.organization.archive_unit is required")
	}
	switch c.Storage.Driver {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("config.storage.driver must be sqlite or postgres, got %q", c.Storage.Driver)
	}
	if c.Storage.Driver == "postgres" && c.Storage.DSN == "" {
		return fmt.Errorf("config.storage.dsn is required for postgres")
	}
	if c.SLA.Timezone != "" {
		if _, err := time.LoadLocation(c.SLA.Timezone); err != nil {
			return fmt.Errorf("config.sla.timezone: %w", err)
		}
	}
	for kind, days := range c.SLA.RiskThresholdDays {
		if kind != "default" && !domain.Kind(kind).Valid() {
			return fmt.Errorf("config.sla.risk_threshold_days has unknown kind %s", kind)
		}
		if days < 0 {
			return fmt.Errorf("config.sla.risk_threshold_days.%s must not be negative", kind)
		}
	}
	for kind, days := range c.SLA.DefaultDeadlineDays {
		if !domain.Kind(kind).Valid() {
			return fmt.Errorf("config.sla.default_deadline_days has unknown kind %s", kind)
		}
		if days < 0 {
			return fmt.Errorf("config.sla.default_deadline_days.%s must not be negative", kind)
		}
	}
	for _, kind := range domain.Kinds {
		if strings.TrimSpace(c.Sequences.Prefixes[string(kind)]) == "" {
			return fmt.Errorf("config.sequences.prefixes.%s is required", kind)
		}
	}
	if c.Approvals.DefaultMode != "" && !domain.ApprovalMode(c.Approvals.DefaultMode).Valid() {
		return fmt.Errorf("config.approvals.default_mode must be parallel, unanimous or sequential")
	}
	if c.Digitization.MinOCRConfidence < 0 || c.Digitization.MinOCRConfidence > 1 {
		return fmt.Errorf("config.digitization.min_ocr_confidence must be within [0,1]")
	}
	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles["admin"]; !ok {
			return fmt.Errorf("config.rbac.roles must include admin")
		}
		for roleID, role := range c.RBAC.Roles {
			if roleID == "" {
				return fmt.Errorf("config.rbac.roles contains empty role id")
			}
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
			}
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// SLAPolicy builds the calculator policy from the sla section.
func (c *Config) SLAPolicy() sla.Policy {
	p := sla.Policy{
		Location:    time.UTC,
		Thresholds:  map[domain.Kind]int{},
		DefaultDays: map[domain.Kind]int{},
	}
	if c.SLA.Timezone != "" {
		if loc, err := time.LoadLocation(c.SLA.Timezone); err == nil {
			p.Location = loc
		}
	}
	for kind, days := range c.SLA.RiskThresholdDays {
		if kind == "default" {
			p.FallbackDays = days
			continue
		}
		p.Thresholds[domain.Kind(kind)] = days
	}
	for kind, days := range c.SLA.DefaultDeadlineDays {
		p.DefaultDays[domain.Kind(kind)] = days
	}
	return p
}

// ApprovalMode returns the configured default, falling back to parallel.
func (c *Config) ApprovalMode() domain.ApprovalMode {
	if c.Approvals.DefaultMode == "" {
		return domain.ModeParallel
	}
	return domain.ApprovalMode(c.Approvals.DefaultMode)
}

// SequencePrefix returns the human-readable prefix for kind.
func (c *Config) SequencePrefix(kind domain.Kind) string {
	if p := c.Sequences.Prefixes[string(kind)]; p != "" {
		return p
	}
	return strings.ToUpper(string(kind))
}

func (c *Config) SequenceWidth() int {
	if c.Sequences.Width > 0 {
		return c.Sequences.Width
	}
	return 6
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault(orgID string) string {
	return fmt.Sprintf(defaultTemplate, orgID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for an organization.
func Default(orgID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(orgID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `organization:
  id: %s
  name: ""
  archive_unit: arquivo-central

storage:
  driver: sqlite
  dsn: ""
  max_open_conns: 10

sla:
  timezone: UTC
  risk_threshold_days:
    default: 3
  default_deadline_days:
    process: 30
    dispatch: 10

sequences:
  width: 6
  prefixes:
    document: DOC
    process: PROC
    dispatch: DESP
    scanned_document: DIG
    digitization_batch: LOTE

approvals:
  default_mode: parallel
  auto_advance: true

digitization:
  min_ocr_confidence: 0.75

engine:
  retry_attempts: 3

rbac:
  roles:
    admin:
      description: "Full access including administrative reopen"
      permissions: ["*"]
    clerk:
      description: "Registers and routes documents, processes and dispatches"
      permissions:
        - entity.create
        - entity.comment
        - document.submit
        - document.resubmit
        - document.forward
        - document.dispatch
        - document.archive
        - process.start
        - process.forward
        - process.request_approval
        - process.approve
        - process.reject
        - process.return
        - process.conclude
        - process.archive
        - process.suspend
        - process.resume
        - dispatch.emit
        - dispatch.make_effective
        - dispatch.return
        - dispatch.reject
        - dispatch.revise
        - dispatch.archive
    validator:
      description: "Validates incoming documents"
      permissions:
        - entity.comment
        - document.validate
        - document.reject
        - document.request_correction
        - document.forward
    approver:
      description: "Decides approval rounds"
      permissions:
        - entity.comment
        - round.decide
    digitizer:
      description: "Operates the digitization pipeline"
      permissions:
        - entity.create
        - scanned_document.*
    viewer:
      description: "Read-only access"
      permissions: []

webhooks: []

server:
  base_path: /v0
  rate_limit:
    rps: 20
    burst: 40

logging:
  level: info
  format: text
`
