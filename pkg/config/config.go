package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/zhcnova/nova/pkg/types"
)

// Plane holds the registry and router configuration, read from the
// environment with safe defaults and clamping. Malformed numeric values
// fall back to defaults; invalid enum values are errors.
type Plane struct {
	DBPath      string
	StorageRoot string

	RoutingPolicyPath   string
	ApprovalPolicyPath  string
	ExecutionPolicyPath string
	PolicyEnforcement   string

	AutonomyMode types.AutonomyMode
	RuntimeMode  types.RuntimeMode

	DispatchOwner   string
	LeaseDuration   time.Duration
	RetryMax        int
	RetryBackoff    time.Duration
	RetryJitter     time.Duration
	DispatchTimeout time.Duration

	ContextBudgetLight int
	ContextBudgetHeavy int
	TargetRatio        float64

	CostLookupEnabled bool
	OpenRouterAPIKey  string
	CostLookupTimeout time.Duration
	CostModelDefault  string

	DefaultProvider  string
	DefaultModel     string
	FallbackProvider string
	FallbackModel    string

	WorkerWrapper   string
	DispatchWrapper string
}

// LoadPlane reads the plane configuration from the environment.
func LoadPlane() (*Plane, error) {
	storage := envStr("ZHC_STORAGE_ROOT", "storage")

	cfg := &Plane{
		DBPath:      envStr("ZHC_TASK_DB", filepath.Join(storage, "tasks", "task_registry.db")),
		StorageRoot: storage,

		RoutingPolicyPath:   envStr("ZHC_ROUTING_POLICY", "shared/policies/routing.yaml"),
		ApprovalPolicyPath:  envStr("ZHC_APPROVAL_POLICY", "shared/policies/approvals.yaml"),
		ExecutionPolicyPath: envStr("ZHC_EXECUTION_POLICY", "shared/policies/execution_policy.yaml"),
		PolicyEnforcement:   strings.ToLower(envStr("ZHC_POLICY_ENFORCEMENT", "")),

		DispatchOwner:   envStr("ZHC_DISPATCH_OWNER", ""),
		LeaseDuration:   envSeconds("ZHC_DISPATCH_LEASE_SECONDS", 120, 30),
		RetryMax:        envInt("ZHC_DISPATCH_RETRY_MAX", 1, 0),
		RetryBackoff:    envFloatSeconds("ZHC_DISPATCH_RETRY_BACKOFF_SECONDS", 1.0, 0.1),
		RetryJitter:     envFloatSeconds("ZHC_DISPATCH_RETRY_JITTER_SECONDS", 0.3, 0.0),
		DispatchTimeout: envSeconds("ZHC_DISPATCH_TIMEOUT_SECONDS", 900, 30),

		ContextBudgetLight: envInt("ZHC_CONTEXT_TOKEN_BUDGET", 1200, 1),
		ContextBudgetHeavy: envInt("ZHC_CONTEXT_TOKEN_BUDGET_HEAVY", 2400, 1),
		TargetRatio:        envRatio("ZHC_CONTEXT_TARGET_RATIO", 0.7, 0.3, 1.0),

		CostLookupEnabled: envStr("ZHC_COST_LOOKUP_ENABLED", "1") == "1",
		OpenRouterAPIKey:  envStr("OPENROUTER_API_KEY", ""),
		CostLookupTimeout: time.Duration(envInt("ZHC_COST_LOOKUP_TIMEOUT_MS", 3000, 1)) * time.Millisecond,
		CostModelDefault:  envStr("ZHC_COST_MODEL_DEFAULT", ""),

		DefaultProvider:  envStr("ZHC_DEFAULT_PROVIDER", "openai"),
		DefaultModel:     envStr("ZHC_DEFAULT_MODEL", "codex"),
		FallbackProvider: envStr("ZHC_FALLBACK_PROVIDER", "openrouter"),
		FallbackModel:    envStr("ZHC_FALLBACK_MODEL", "planner-model"),

		WorkerWrapper:   envStr("ZHC_WORKER_WRAPPER", "infra/wrappers/zrun.sh"),
		DispatchWrapper: envStr("ZHC_DISPATCH_WRAPPER", "infra/wrappers/zdispatch.sh"),
	}

	mode := types.AutonomyMode(strings.ToLower(envStr("ZHC_AUTONOMY_MODE", "supervised")))
	switch mode {
	case types.ModeReadonly, types.ModeSupervised, types.ModeAuto:
		cfg.AutonomyMode = mode
	default:
		return nil, types.Ef(types.KindInvalidArgument, "config.LoadPlane",
			"invalid ZHC_AUTONOMY_MODE %q (allowed: auto, readonly, supervised)", mode)
	}

	runtime := types.RuntimeMode(strings.ToLower(envStr("ZHC_RUNTIME_MODE", "single_node")))
	switch runtime {
	case types.RuntimeSingleNode, types.RuntimeMultiNode:
		cfg.RuntimeMode = runtime
	default:
		return nil, types.Ef(types.KindInvalidArgument, "config.LoadPlane",
			"invalid ZHC_RUNTIME_MODE %q (allowed: multi_node, single_node)", runtime)
	}

	if cfg.DispatchOwner == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "unknown-host"
		}
		cfg.DispatchOwner = fmt.Sprintf("%s:%d", host, os.Getpid())
	}

	return cfg, nil
}

// TaskDir returns the per-task storage directory.
func (c *Plane) TaskDir(taskID string) string {
	return filepath.Join(c.StorageRoot, "tasks", taskID)
}

// Ingress holds the Telegram long-poll daemon configuration.
type Ingress struct {
	Token          string
	APIBase        string
	PollTimeout    time.Duration
	PollInterval   time.Duration
	AllowedChatIDs map[int64]bool
	RequireAllow   bool

	AuditLogPath  string
	OffsetPath    string
	LockPath      string
	CommandTimeout time.Duration
	ResumeTimeout  time.Duration

	RatePerMinute int
	RateBurst     int
	MaxBackoff    time.Duration
}

// LoadIngress reads the ingress configuration from the environment.
// The bot token is required; the allowlist is required unless
// TELEGRAM_REQUIRE_ALLOWLIST=0.
func LoadIngress() (*Ingress, error) {
	token := strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN"))
	if token == "" || strings.HasPrefix(token, "TODO_") {
		return nil, types.E(types.KindInvalidArgument, "config.LoadIngress", "TELEGRAM_BOT_TOKEN is required")
	}

	requireAllow := envStr("TELEGRAM_REQUIRE_ALLOWLIST", "1") == "1"
	allowed := parseChatIDs(os.Getenv("TELEGRAM_ALLOWED_CHAT_IDS"))
	if requireAllow && len(allowed) == 0 {
		return nil, types.E(types.KindInvalidArgument, "config.LoadIngress",
			"TELEGRAM_ALLOWED_CHAT_IDS is required when TELEGRAM_REQUIRE_ALLOWLIST=1")
	}

	storage := envStr("ZHC_STORAGE_ROOT", "storage")
	memoryDir := filepath.Join(storage, "memory")

	return &Ingress{
		Token:          token,
		APIBase:        "https://api.telegram.org/bot" + token,
		PollTimeout:    envSeconds("TELEGRAM_POLL_TIMEOUT_SECONDS", 30, 1),
		PollInterval:   envFloatSeconds("TELEGRAM_POLL_INTERVAL_SECONDS", 1.0, 0.0),
		AllowedChatIDs: allowed,
		RequireAllow:   requireAllow,

		AuditLogPath:   filepath.Join(memoryDir, "telegram_command_audit.jsonl"),
		OffsetPath:     filepath.Join(memoryDir, "telegram_offset.txt"),
		LockPath:       filepath.Join(memoryDir, "telegram_longpoll.lock"),
		CommandTimeout: envSeconds("TELEGRAM_COMMAND_TIMEOUT_SECONDS", 45, 1),
		ResumeTimeout:  envSeconds("TELEGRAM_RESUME_TIMEOUT_SECONDS", 600, 1),

		RatePerMinute: envInt("TELEGRAM_RATE_LIMIT_PER_MINUTE", 20, 1),
		RateBurst:     envInt("TELEGRAM_RATE_LIMIT_BURST", 5, 1),
		MaxBackoff:    envFloatSeconds("TELEGRAM_MAX_BACKOFF_SECONDS", 60, 1),
	}, nil
}

func parseChatIDs(raw string) map[int64]bool {
	ids := map[int64]bool{}
	for _, chunk := range strings.Split(raw, ",") {
		val := strings.TrimSpace(chunk)
		if val == "" {
			continue
		}
		id, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			continue
		}
		ids[id] = true
	}
	return ids
}

func envStr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def, min int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if v < min {
		return min
	}
	return v
}

func envSeconds(key string, def, min int) time.Duration {
	return time.Duration(envInt(key, def, min)) * time.Second
}

func envFloatSeconds(key string, def, min float64) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	v := def
	if raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err == nil {
			v = parsed
		}
	}
	if v < min {
		v = min
	}
	return time.Duration(v * float64(time.Second))
}

func envRatio(key string, def, lo, hi float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	v := def
	if raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err == nil {
			v = parsed
		}
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
