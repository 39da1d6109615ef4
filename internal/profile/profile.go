package profile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Profile is configuration to start the orchestrator process (server,
// worker, or both).
type Profile struct {
	// Unified LLM configuration, used by the AIAgent flow module.
	ALLMProvider string // openai, deepseek, siliconflow, ollama, ...
	ALLMAPIKey   string
	ALLMBaseURL  string
	ALLMModel    string
	ALLMTimeout  int // seconds, default 120

	// Process / storage.
	UNIXSock   string
	Mode       string // dev | prod | demo
	DSN        string
	Driver     string // postgres | sqlite
	Version    string
	Addr       string
	Data       string
	Port       int
	AIEnabled  bool
	RunServer  bool // serve the HTTP surface (§6)
	RunWorker  bool // run the dispatcher loop (§4.1/§5)
	WorkerSlots int // number of concurrent job slots this process runs

	// Multi-tenant rate limiting (§4.1).
	CloudHosted bool
	// RateLimitExcludesRunning preserves the source system's behavior
	// verbatim: the cumulative-duration check sums completed job
	// durations only, excluding currently-running job time. See §9's
	// Open Question; kept as a flag rather than silently "fixed".
	RateLimitExcludesRunning bool
	QueuedJobsLimit          int           // N_queued, default 10
	CumulativeDurationLimit  time.Duration // T_cum, default 900s
	CumulativeDurationWindow time.Duration // default 1200s

	// Suspend/resume (§4.2.2).
	ResumeSigningKey    string
	DefaultSuspendTimeout time.Duration // default 30m

	// JS-predicate evaluation sandbox (§4.2.3); implemented via CEL.
	ExprEvalTimeout time.Duration // default 10s

	// Auth gate (§4.5).
	AuthCacheTTL time.Duration // default 5m

	// BaseInternalURL/BaseURL mirror the source system's env contract
	// for minting ephemeral child-job tokens and resume URLs.
	BaseInternalURL string
	BaseURL         string
}

// llmProviderDefaults mirrors the teacher's provider-default table,
// trimmed to the providers this module actually ships defaults for.
var llmProviderDefaults = map[string]struct {
	BaseURL string
	Model   string
}{
	"deepseek": {
		BaseURL: "https://api.deepseek.com",
		Model:   "deepseek-chat",
	},
	"openai": {
		BaseURL: "https://api.openai.com/v1",
		Model:   "gpt-4o-mini",
	},
	"siliconflow": {
		BaseURL: "https://api.siliconflow.cn/v1",
		Model:   "Qwen/Qwen2.5-72B-Instruct",
	},
	"ollama": {
		BaseURL: "http://localhost:11434",
		Model:   "llama3.1",
	},
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// IsAIEnabled returns true if the AIAgent module has a usable LLM
// configured.
func (p *Profile) IsAIEnabled() bool {
	return p.ALLMAPIKey != ""
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvOrDefaultBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "1" || strings.EqualFold(value, "true")
	}
	return defaultValue
}

// FromEnv loads configuration from environment variables, following
// the subset of the spec's environment contract that governs the
// core (CLOUD_HOSTED, BASE_INTERNAL_URL, BASE_URL, plus the LLM
// variables this module adds for the AIAgent module).
func (p *Profile) FromEnv() {
	p.ALLMProvider = getEnvOrDefault("JOBCTL_AI_LLM_PROVIDER", "openai")
	p.ALLMAPIKey = getEnvOrDefault("JOBCTL_AI_LLM_API_KEY", "")
	p.ALLMBaseURL = getEnvOrDefault("JOBCTL_AI_LLM_BASE_URL", "")
	p.ALLMModel = getEnvOrDefault("JOBCTL_AI_LLM_MODEL", "")
	p.ALLMTimeout = getEnvOrDefaultInt("JOBCTL_AI_LLM_TIMEOUT_SECONDS", 120)
	p.AIEnabled = p.ALLMAPIKey != ""

	if p.ALLMProvider != "" {
		if _, ok := llmProviderDefaults[p.ALLMProvider]; !ok {
			slog.Warn("unknown LLM provider, using default: openai", "provider", p.ALLMProvider)
			p.ALLMProvider = "openai"
		}
	}
	if p.ALLMBaseURL == "" || p.ALLMModel == "" {
		if defaults, ok := llmProviderDefaults[p.ALLMProvider]; ok {
			if p.ALLMBaseURL == "" {
				p.ALLMBaseURL = defaults.BaseURL
			}
			if p.ALLMModel == "" {
				p.ALLMModel = defaults.Model
			}
		}
	}

	p.CloudHosted = getEnvOrDefaultBool("CLOUD_HOSTED", false)
	p.RateLimitExcludesRunning = getEnvOrDefaultBool("JOBCTL_RATE_LIMIT_EXCLUDES_RUNNING", true)
	p.QueuedJobsLimit = getEnvOrDefaultInt("JOBCTL_QUEUED_JOBS_LIMIT", 10)
	p.CumulativeDurationLimit = time.Duration(getEnvOrDefaultInt("JOBCTL_CUMULATIVE_DURATION_LIMIT_SECONDS", 900)) * time.Second
	p.CumulativeDurationWindow = time.Duration(getEnvOrDefaultInt("JOBCTL_CUMULATIVE_DURATION_WINDOW_SECONDS", 1200)) * time.Second

	p.ResumeSigningKey = getEnvOrDefault("JOBCTL_RESUME_SIGNING_KEY", "")
	p.DefaultSuspendTimeout = time.Duration(getEnvOrDefaultInt("JOBCTL_DEFAULT_SUSPEND_TIMEOUT_SECONDS", 1800)) * time.Second
	p.ExprEvalTimeout = time.Duration(getEnvOrDefaultInt("JOBCTL_EXPR_EVAL_TIMEOUT_SECONDS", 10)) * time.Second
	p.AuthCacheTTL = time.Duration(getEnvOrDefaultInt("JOBCTL_AUTH_CACHE_TTL_SECONDS", 300)) * time.Second

	p.BaseInternalURL = getEnvOrDefault("BASE_INTERNAL_URL", "http://localhost:28081")
	p.BaseURL = getEnvOrDefault("BASE_URL", "http://localhost:28081")

	p.WorkerSlots = getEnvOrDefaultInt("JOBCTL_WORKER_SLOTS", 4)
}

func checkDataDir(dataDir string) (string, error) {
	if !filepath.IsAbs(dataDir) {
		relativeDir := filepath.Join(filepath.Dir(os.Args[0]), dataDir)
		absDir, err := filepath.Abs(relativeDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}

	dataDir = strings.TrimRight(dataDir, "\\/")
	if _, err := os.Stat(dataDir); err != nil {
		return "", errors.Wrapf(err, "unable to access data folder %s", dataDir)
	}
	return dataDir, nil
}

func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "demo"
	}

	if !p.RunServer && !p.RunWorker {
		p.RunServer = true
		p.RunWorker = true
	}

	if p.Driver == "" {
		p.Driver = "postgres"
	}

	if p.Mode == "prod" && p.Data == "" {
		if runtime.GOOS == "windows" {
			p.Data = filepath.Join(os.Getenv("ProgramData"), "jobctl")
			if _, err := os.Stat(p.Data); os.IsNotExist(err) {
				if err := os.MkdirAll(p.Data, 0770); err != nil {
					slog.Error("failed to create data directory", slog.String("data", p.Data), slog.String("error", err.Error()))
					return err
				}
			}
		} else {
			p.Data = "/var/opt/jobctl"
		}
	}

	if p.Driver == "sqlite" {
		if p.Data == "" {
			p.Data = "."
		}
		dataDir, err := checkDataDir(p.Data)
		if err != nil {
			slog.Error("failed to check data dir", slog.String("data", p.Data), slog.String("error", err.Error()))
			return err
		}
		p.Data = dataDir
		if p.DSN == "" {
			dbFile := fmt.Sprintf("jobctl_%s.db", p.Mode)
			p.DSN = filepath.Join(dataDir, dbFile)
		}
	}

	if p.Driver == "postgres" && p.DSN == "" {
		return errors.New("dsn is required for the postgres driver")
	}

	return nil
}
