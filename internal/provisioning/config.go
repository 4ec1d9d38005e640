package provisioning

import (
	"time"

	"github.com/singh-krishan/idp/pkg/config"
)

// Config tunes retries, polling budgets and the deployment target.
type Config struct {
	RepoCreateAttempts int
	StageMaxAttempts   int
	CIPollInterval     time.Duration
	CIMaxWait          time.Duration
	HealthPollInterval time.Duration
	HealthMaxWait      time.Duration
	BackoffBase        time.Duration
	BackoffCap         time.Duration
	CallTimeout        time.Duration

	Org             string
	DeployNamespace string
	MinReplicas     int
	CommitMessage   string
	GitOpsPath      string
	GitOpsRevision  string
	AutoSync        bool
}

// ConfigFromAPI maps the service configuration onto orchestrator settings.
func ConfigFromAPI(cfg config.APIConfig) Config {
	return Config{
		RepoCreateAttempts: cfg.RepoCreateAttempts,
		StageMaxAttempts:   cfg.StageMaxAttempts,
		CIPollInterval:     cfg.CIPollInterval,
		CIMaxWait:          cfg.CIMaxWait,
		HealthPollInterval: cfg.HealthPollInterval,
		HealthMaxWait:      cfg.HealthMaxWait,
		BackoffBase:        cfg.BackoffBase,
		BackoffCap:         cfg.BackoffCap,
		CallTimeout:        cfg.CallTimeout,
		Org:                cfg.GitLabGroup,
		DeployNamespace:    cfg.DeployNamespace,
		MinReplicas:        cfg.MinReplicas,
		GitOpsPath:         cfg.GitOpsRepoPath,
		GitOpsRevision:     cfg.GitOpsRevision,
		AutoSync:           cfg.GitOpsAutoSync,
	}
}

func (c Config) withDefaults() Config {
	if c.RepoCreateAttempts < 1 {
		c.RepoCreateAttempts = 3
	}
	if c.StageMaxAttempts < 1 {
		c.StageMaxAttempts = 5
	}
	if c.CIPollInterval <= 0 {
		c.CIPollInterval = 15 * time.Second
	}
	if c.CIMaxWait <= 0 {
		c.CIMaxWait = 20 * time.Minute
	}
	if c.HealthPollInterval <= 0 {
		c.HealthPollInterval = 10 * time.Second
	}
	if c.HealthMaxWait <= 0 {
		c.HealthMaxWait = 10 * time.Minute
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 30 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.DeployNamespace == "" {
		c.DeployNamespace = "default"
	}
	if c.MinReplicas < 1 {
		c.MinReplicas = 1
	}
	if c.CommitMessage == "" {
		c.CommitMessage = "Initial scaffold"
	}
	if c.GitOpsPath == "" {
		c.GitOpsPath = "helm"
	}
	if c.GitOpsRevision == "" {
		c.GitOpsRevision = "HEAD"
	}
	return c
}
