package runtime

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mohammad-safakhou/dashforge/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"gopkg.in/yaml.v3"
)

// SandboxPolicy represents runtime sandbox settings for generated programs.
// The process provider cannot restrict a child's network, so Network.Enabled
// is a gate checked at startup: runs that need network are refused outright
// when it is false.
type SandboxPolicy struct {
	Provider string `yaml:"provider"`
	Timeout  string `yaml:"timeout"`
	Network  struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"network"`
	EnvAllowlist []string `yaml:"env_allowlist"`
}

// baseEnv is what an interpreter needs to start at all.
var baseEnv = []string{"PATH", "HOME", "LANG", "LC_*", "TMPDIR", "TZ", "PYTHONPATH", "VIRTUAL_ENV", "STREAMLIT_*"}

// DefaultSandboxPolicy is used when no policy file is configured.
func DefaultSandboxPolicy(sec config.SecurityConfig) *SandboxPolicy {
	p := &SandboxPolicy{
		Provider:     sec.SandboxProvider,
		Timeout:      sec.DefaultTimeout.String(),
		EnvAllowlist: append([]string(nil), baseEnv...),
	}
	p.Network.Enabled = true
	return p
}

// LoadSandboxPolicy reads the policy from security.policy_file, falling back
// to DefaultSandboxPolicy when no file is configured.
func LoadSandboxPolicy(sec config.SecurityConfig) (*SandboxPolicy, error) {
	sec = sec.Normalize()
	if sec.PolicyFile == "" {
		return DefaultSandboxPolicy(sec), nil
	}
	data, err := os.ReadFile(sec.PolicyFile)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	var policy struct {
		Sandbox SandboxPolicy `yaml:"sandbox"`
	}
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	if policy.Sandbox.Provider == "" {
		policy.Sandbox.Provider = sec.SandboxProvider
	}
	if policy.Sandbox.Timeout == "" {
		policy.Sandbox.Timeout = sec.DefaultTimeout.String()
	}
	if _, err := time.ParseDuration(policy.Sandbox.Timeout); err != nil {
		return nil, fmt.Errorf("parse policy timeout %q: %w", policy.Sandbox.Timeout, err)
	}
	if len(policy.Sandbox.EnvAllowlist) == 0 {
		policy.Sandbox.EnvAllowlist = append([]string(nil), baseEnv...)
	}
	return &policy.Sandbox, nil
}

// FilterEnv returns the entries of environ whose names the policy allows,
// plus any names in extra. A trailing * in an allowlist entry matches a prefix.
func (p *SandboxPolicy) FilterEnv(environ []string, extra ...string) []string {
	allowed := append(append([]string(nil), p.EnvAllowlist...), extra...)
	var out []string
	for _, kv := range environ {
		name, _, ok := strings.Cut(kv, "=")
		if !ok || name == "" {
			continue
		}
		for _, pat := range allowed {
			pat = strings.TrimSpace(pat)
			if pat == name || (strings.HasSuffix(pat, "*") && strings.HasPrefix(name, strings.TrimSuffix(pat, "*"))) {
				out = append(out, kv)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// SandboxEnforcer performs policy validation prior to execution.
type SandboxEnforcer struct {
	policy *SandboxPolicy
}

var (
	sandboxMetricsOnce      sync.Once
	sandboxRequests         otelmetric.Int64Counter
	sandboxTimeoutHistogram otelmetric.Float64Histogram
	sandboxNetworkAllowed   otelmetric.Int64Counter
	sandboxNetworkBlocked   otelmetric.Int64Counter
)

func initSandboxMetrics() {
	meter := otel.Meter("dashforge/runtime/sandbox")
	var err error
	sandboxRequests, err = meter.Int64Counter(
		"sandbox_requests_total",
		otelmetric.WithDescription("Number of sandbox validations performed"),
	)
	if err != nil {
		log.Printf("sandbox metrics init: requests counter: %v", err)
	}
	sandboxTimeoutHistogram, err = meter.Float64Histogram(
		"sandbox_request_timeout_seconds",
		otelmetric.WithDescription("Requested time budget for one sandboxed run"),
		otelmetric.WithUnit("s"),
	)
	if err != nil {
		log.Printf("sandbox metrics init: timeout histogram: %v", err)
	}
	sandboxNetworkAllowed, err = meter.Int64Counter(
		"sandbox_network_enabled_total",
		otelmetric.WithDescription("Sandbox validations where outbound network was enabled"),
	)
	if err != nil {
		log.Printf("sandbox metrics init: network enabled counter: %v", err)
	}
	sandboxNetworkBlocked, err = meter.Int64Counter(
		"sandbox_network_blocked_total",
		otelmetric.WithDescription("Sandbox validations where outbound network was blocked"),
	)
	if err != nil {
		log.Printf("sandbox metrics init: network blocked counter: %v", err)
	}
}

func NewSandboxEnforcer(policy *SandboxPolicy) *SandboxEnforcer {
	return &SandboxEnforcer{policy: policy}
}

// Validate ensures settings meet policy requirements and fills unset values
// from the policy. The request is mutated in place.
func (e *SandboxEnforcer) Validate(ctx context.Context, req *SandboxRequest) error {
	if e == nil || e.policy == nil {
		return nil
	}
	if req == nil {
		return fmt.Errorf("sandbox request is nil")
	}
	if req.Provider == "" {
		req.Provider = e.policy.Provider
	} else if req.Provider != e.policy.Provider {
		return fmt.Errorf("provider %s not allowed (configured %s)", req.Provider, e.policy.Provider)
	}
	limit, err := time.ParseDuration(e.policy.Timeout)
	if err != nil {
		return fmt.Errorf("policy timeout: %w", err)
	}
	if req.Timeout <= 0 {
		req.Timeout = limit
	}
	if req.Timeout > limit {
		return fmt.Errorf("timeout %s exceeds policy %s", req.Timeout, limit)
	}
	if !e.policy.Network.Enabled && req.NetworkEnabled {
		return fmt.Errorf("%s runs need network access but sandbox.network.enabled is false", req.Provider)
	}
	return nil
}

// SandboxRequest describes an execution request for validation.
type SandboxRequest struct {
	Provider       string
	Timeout        time.Duration
	NetworkEnabled bool
}

// Policy returns the underlying policy.
func (e *SandboxEnforcer) Policy() *SandboxPolicy {
	if e == nil {
		return nil
	}
	return e.policy
}

// EnsureSandbox loads the sandbox policy, validates req against it and logs a
// standard "sandbox=true" line.
func EnsureSandbox(ctx context.Context, sec config.SecurityConfig, service string, logger *log.Logger, req SandboxRequest) (*SandboxEnforcer, SandboxRequest, error) {
	policy, err := LoadSandboxPolicy(sec)
	if err != nil {
		return nil, SandboxRequest{}, err
	}
	if policy.Provider == "" {
		return nil, SandboxRequest{}, fmt.Errorf("sandbox provider missing; set security.sandbox_provider or sandbox.provider in policy")
	}

	enforcer := NewSandboxEnforcer(policy)
	normalized := req
	if err := enforcer.Validate(ctx, &normalized); err != nil {
		return nil, SandboxRequest{}, err
	}

	if logger == nil {
		prefix := strings.TrimSpace(service)
		if prefix == "" {
			prefix = "service"
		}
		logger = log.New(os.Stdout, fmt.Sprintf("[%s] ", strings.ToUpper(prefix)), log.LstdFlags)
	}
	logger.Printf("sandbox=true provider=%s timeout=%s network_enabled=%t env_allowlist=%d", normalized.Provider, normalized.Timeout, policy.Network.Enabled, len(policy.EnvAllowlist))

	recordSandboxMetrics(ctx, service, policy, normalized)
	return enforcer, normalized, nil
}

func recordSandboxMetrics(ctx context.Context, service string, policy *SandboxPolicy, normalized SandboxRequest) {
	if ctx == nil {
		ctx = context.Background()
	}
	sandboxMetricsOnce.Do(initSandboxMetrics)
	attrs := otelmetric.WithAttributes(
		attribute.String("service", strings.TrimSpace(service)),
		attribute.String("provider", strings.TrimSpace(policy.Provider)),
	)
	if sandboxRequests != nil {
		sandboxRequests.Add(ctx, 1, attrs)
	}
	if sandboxTimeoutHistogram != nil && normalized.Timeout > 0 {
		sandboxTimeoutHistogram.Record(ctx, normalized.Timeout.Seconds(), attrs)
	}
	if normalized.NetworkEnabled {
		if sandboxNetworkAllowed != nil {
			sandboxNetworkAllowed.Add(ctx, 1, attrs)
		}
	} else if !policy.Network.Enabled {
		if sandboxNetworkBlocked != nil {
			sandboxNetworkBlocked.Add(ctx, 1, attrs)
		}
	}
}
