package config

import "time"

// APIConfig holds runtime configuration for the provisioning API and its workers.
type APIConfig struct {
	Environment   string
	Addr          string
	LogLevel      string
	StoreDriver   string
	DatabaseURL   string
	MigrationsDir string

	RedisAddr string
	RedisPass string
	RedisDB   int

	WorkerCount        int
	QueueSize          int
	LockTTL            time.Duration
	RecoverySchedule   string
	DeleteWaitTimeout  time.Duration
	SpecUploadMaxBytes int64
	CreateRateLimit    int

	GitLabURL      string
	GitLabToken    string
	GitLabGroup    string
	GitAuthorName  string
	GitAuthorEmail string
	RepoVisibility string

	Kubeconfig       string
	ArgoCDNamespace  string
	DeployNamespace  string
	IngressDomain    string
	ImageRegistry    string
	MinReplicas      int
	GitOpsAutoSync   bool
	GitOpsRepoPath   string
	GitOpsRevision   string
	GitOpsProject    string
	ClusterServerURL string

	RepoCreateAttempts int
	StageMaxAttempts   int
	CIPollInterval     time.Duration
	CIMaxWait          time.Duration
	HealthPollInterval time.Duration
	HealthMaxWait      time.Duration
	BackoffBase        time.Duration
	BackoffCap         time.Duration
	CallTimeout        time.Duration
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() APIConfig {
	return APIConfig{
		Environment:   GetString("APP_ENV", "development"),
		Addr:          GetString("API_ADDR", ":8080"),
		LogLevel:      GetString("LOG_LEVEL", "info"),
		StoreDriver:   GetString("STORE_DRIVER", "postgres"),
		DatabaseURL:   GetString("DATABASE_URL", "postgres://idp:idp@db:5432/idp?sslmode=disable"),
		MigrationsDir: GetString("DB_MIGRATIONS_DIR", "db/migrations"),

		RedisAddr: GetString("REDIS_ADDR", ""),
		RedisPass: GetString("REDIS_PASSWORD", ""),
		RedisDB:   GetInt("REDIS_DB", 0),

		WorkerCount:        GetInt("WORKER_COUNT", 4),
		QueueSize:          GetInt("QUEUE_SIZE", 256),
		LockTTL:            GetSeconds("RUN_LOCK_TTL_SECONDS", 2*time.Minute),
		RecoverySchedule:   GetString("RECOVERY_SCHEDULE", "@every 1m"),
		DeleteWaitTimeout:  GetSeconds("DELETE_WAIT_TIMEOUT_SECONDS", 2*time.Minute),
		SpecUploadMaxBytes: GetInt64("SPEC_UPLOAD_MAX_BYTES", 1<<20),
		CreateRateLimit:    GetInt("CREATE_RATE_LIMIT_PER_MINUTE", 30),

		GitLabURL:      GetString("GITLAB_URL", "https://gitlab.com"),
		GitLabToken:    GetString("GITLAB_TOKEN", ""),
		GitLabGroup:    GetString("GITLAB_GROUP", "platform-services"),
		GitAuthorName:  GetString("GIT_AUTHOR_NAME", "idp-bot"),
		GitAuthorEmail: GetString("GIT_AUTHOR_EMAIL", "idp-bot@localhost"),
		RepoVisibility: GetString("REPO_VISIBILITY", "private"),

		Kubeconfig:       GetString("KUBECONFIG", ""),
		ArgoCDNamespace:  GetString("ARGOCD_NAMESPACE", "argocd"),
		DeployNamespace:  GetString("DEPLOY_NAMESPACE", "default"),
		IngressDomain:    GetString("INGRESS_DOMAIN", "apps.local"),
		ImageRegistry:    GetString("IMAGE_REGISTRY", "registry.gitlab.com"),
		MinReplicas:      GetInt("MIN_REPLICAS", 1),
		GitOpsAutoSync:   GetBool("GITOPS_AUTO_SYNC", true),
		GitOpsRepoPath:   GetString("GITOPS_REPO_PATH", "helm"),
		GitOpsRevision:   GetString("GITOPS_TARGET_REVISION", "HEAD"),
		GitOpsProject:    GetString("GITOPS_PROJECT", "default"),
		ClusterServerURL: GetString("CLUSTER_SERVER_URL", "https://kubernetes.default.svc"),

		RepoCreateAttempts: GetInt("REPO_CREATE_ATTEMPTS", 3),
		StageMaxAttempts:   GetInt("STAGE_MAX_ATTEMPTS", 5),
		CIPollInterval:     GetSeconds("CI_POLL_INTERVAL_SECONDS", 15*time.Second),
		CIMaxWait:          GetSeconds("CI_MAX_WAIT_SECONDS", 20*time.Minute),
		HealthPollInterval: GetSeconds("HEALTH_POLL_INTERVAL_SECONDS", 10*time.Second),
		HealthMaxWait:      GetSeconds("HEALTH_MAX_WAIT_SECONDS", 10*time.Minute),
		BackoffBase:        GetMillis("BACKOFF_BASE_MS", 500*time.Millisecond),
		BackoffCap:         GetSeconds("BACKOFF_CAP_SECONDS", 30*time.Second),
		CallTimeout:        GetSeconds("ADAPTER_CALL_TIMEOUT_SECONDS", 30*time.Second),
	}
}
