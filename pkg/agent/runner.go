package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/parley/internal/observability"
	"github.com/harun/parley/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Runner produces assistant turns with auth profile failover
type Runner struct {
	logger          zerolog.Logger
	providerFactory ProviderCreator
	retryBase       time.Duration

	// Auth profiles
	authProfiles []AuthProfile
	authMu       sync.RWMutex

	// Active runs for abort capability
	activeRuns map[string]*activeRun
	runsMu     sync.RWMutex
}

type activeRun struct {
	cancel context.CancelFunc
}

// Config holds runner configuration
type Config struct {
	Logger          zerolog.Logger
	AuthProfiles    []AuthProfile
	ProviderFactory ProviderCreator
	// RetryBackoff is the first retry delay; it doubles per attempt. Default 1s.
	RetryBackoff time.Duration
}

// ProviderCreator creates LLM providers from auth profiles.
type ProviderCreator interface {
	NewProvider(profile AuthProfile) (LLMProvider, error)
}

// NewRunner creates a new agent runner
func NewRunner(cfg Config) (*Runner, error) {
	observability.EnsureRegistered()

	if len(cfg.AuthProfiles) == 0 {
		return nil, fmt.Errorf("at least one auth profile is required")
	}

	providerFactory := cfg.ProviderFactory
	if providerFactory == nil {
		providerFactory = &ProviderFactory{}
	}
	retryBase := cfg.RetryBackoff
	if retryBase <= 0 {
		retryBase = time.Second
	}

	profiles := make([]AuthProfile, len(cfg.AuthProfiles))
	copy(profiles, cfg.AuthProfiles)

	return &Runner{
		logger:          cfg.Logger,
		providerFactory: providerFactory,
		retryBase:       retryBase,
		authProfiles:    profiles,
		activeRuns:      make(map[string]*activeRun),
	}, nil
}

// Run produces one assistant turn for the session history
func (r *Runner) Run(ctx context.Context, params RunParams) (RunResult, error) {
	if tracing.GetTraceID(ctx) == "" {
		ctx = tracing.NewRequestContext(ctx)
	}
	ctx = tracing.WithSessionID(ctx, params.SessionID)
	ctx, span := tracing.StartSpan(ctx, "agent.run", attribute.String("session_id", params.SessionID))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, r.logger)

	if err := r.validateConfig(params.Config); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return RunResult{}, fmt.Errorf("invalid configuration: %w", err)
	}

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	run := &activeRun{cancel: cancel}
	r.runsMu.Lock()
	if prev, ok := r.activeRuns[params.SessionID]; ok {
		prev.cancel()
	}
	r.activeRuns[params.SessionID] = run
	r.runsMu.Unlock()
	defer r.finishRun(params.SessionID, run)

	messages := FromHistory(params.History)
	result, err := r.executeWithFailover(execCtx, messages, params)
	if err != nil {
		if execCtx.Err() != nil && ctx.Err() == nil {
			logger.Info().Msg("Agent run aborted")
			return RunResult{Aborted: true}, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return RunResult{}, err
	}
	return result, nil
}

// Abort cancels a running turn for the session
func (r *Runner) Abort(sessionID string) {
	r.runsMu.Lock()
	defer r.runsMu.Unlock()

	run, exists := r.activeRuns[sessionID]
	if !exists {
		r.logger.Debug().Str("session_id", sessionID).Msg("No active run to abort")
		return
	}

	r.logger.Info().Str("session_id", sessionID).Msg("Aborting agent run")
	run.cancel()
	delete(r.activeRuns, sessionID)
}

// IsRunning checks if a turn is in progress for a session
func (r *Runner) IsRunning(sessionID string) bool {
	r.runsMu.RLock()
	defer r.runsMu.RUnlock()

	_, exists := r.activeRuns[sessionID]
	return exists
}

func (r *Runner) finishRun(sessionID string, run *activeRun) {
	r.runsMu.Lock()
	defer r.runsMu.Unlock()
	// A newer run may have replaced this one
	if r.activeRuns[sessionID] == run {
		delete(r.activeRuns, sessionID)
	}
}

// validateConfig validates agent configuration
func (r *Runner) validateConfig(config AgentConfig) error {
	if config.Temperature < 0 || config.Temperature > 1 {
		return fmt.Errorf("temperature must be between 0 and 1")
	}
	if config.MaxTokens < 0 {
		return fmt.Errorf("max tokens cannot be negative")
	}
	if config.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	return nil
}

// executeWithFailover tries auth profiles in priority order
func (r *Runner) executeWithFailover(ctx context.Context, messages []AgentMessage, params RunParams) (RunResult, error) {
	r.authMu.RLock()
	profiles := make([]AuthProfile, len(r.authProfiles))
	copy(profiles, r.authProfiles)
	r.authMu.RUnlock()
	logger := tracing.LoggerFromContext(ctx, r.logger)

	sortProfilesByPriority(profiles)

	var lastErr error
	for _, profile := range profiles {
		profileStart := time.Now()
		if profile.CooldownUntil != nil && time.Now().UnixMilli() < *profile.CooldownUntil {
			logger.Debug().Str("profile_id", profile.ID).Msg("Skipping profile in cooldown")
			continue
		}

		provider, err := r.providerFactory.NewProvider(profile)
		if err != nil {
			observability.RecordAgentRun(profile.Provider, time.Since(profileStart), false)
			logger.Warn().Str("profile_id", profile.ID).Err(err).Msg("Failed to create provider")
			lastErr = err
			continue
		}

		response, err := r.callLLMWithRetry(ctx, provider, profile, messages, params)
		if err == nil {
			r.updateProfileSuccess(profile.ID)
			observability.RecordAgentRun(profile.Provider, time.Since(profileStart), true)
			return RunResult{
				Response:  response.Content,
				ToolCalls: response.ToolCalls,
				Usage:     response.Usage,
				Provider:  provider.Provider(),
			}, nil
		}

		lastErr = err
		observability.RecordAgentRun(profile.Provider, time.Since(profileStart), false)
		if ctx.Err() != nil {
			return RunResult{}, ctx.Err()
		}
		logger.Warn().Str("profile_id", profile.ID).Err(err).Msg("Auth profile failed")
		r.updateProfileFailure(profile.ID)

		// Don't fail over on permanent errors
		if !IsRetryableError(unwrapRetries(err)) {
			return RunResult{}, err
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("every profile is in cooldown")
	}
	logger.Error().Err(lastErr).Msg("All auth profiles failed")
	return RunResult{}, fmt.Errorf("all auth profiles failed: %w", lastErr)
}

// callLLMWithRetry calls the provider with exponential backoff retry
func (r *Runner) callLLMWithRetry(ctx context.Context, provider LLMProvider, profile AuthProfile, messages []AgentMessage, params RunParams) (*LLMResponse, error) {
	maxRetries := params.Config.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	ctx, span := tracing.StartSpan(ctx, "agent.call_provider", attribute.String("provider", provider.Provider()))
	defer span.End()

	request := LLMRequest{
		Model:        modelFor(profile, params.Config.Model),
		Messages:     messages,
		Tools:        params.Tools,
		Temperature:  params.Config.Temperature,
		MaxTokens:    params.Config.MaxTokens,
		SystemPrompt: params.Config.SystemPrompt,
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		response, err := provider.Call(ctx, request)
		if err == nil {
			return response, nil
		}
		lastErr = err

		if !IsRetryableError(err) {
			span.RecordError(err)
			return nil, err
		}
		if attempt == maxRetries-1 {
			break
		}

		delay := r.retryBase * time.Duration(1<<attempt)
		r.logger.Info().
			Int("attempt", attempt+1).
			Int64("delay_ms", delay.Milliseconds()).
			Str("provider", provider.Provider()).
			Msg("Retrying after error")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	span.RecordError(lastErr)
	return nil, &retriesExceeded{max: maxRetries, err: lastErr}
}

type retriesExceeded struct {
	max int
	err error
}

func (e *retriesExceeded) Error() string {
	return fmt.Sprintf("max retries (%d) exceeded: %v", e.max, e.err)
}

func (e *retriesExceeded) Unwrap() error { return e.err }

func unwrapRetries(err error) error {
	if re, ok := err.(*retriesExceeded); ok {
		return re.err
	}
	return err
}

// updateProfileSuccess resets failure count for a profile
func (r *Runner) updateProfileSuccess(profileID string) {
	r.authMu.Lock()
	defer r.authMu.Unlock()

	for i := range r.authProfiles {
		if r.authProfiles[i].ID == profileID {
			r.authProfiles[i].FailureCount = 0
			r.authProfiles[i].CooldownUntil = nil
			break
		}
	}
}

// updateProfileFailure puts a profile in a cooldown that grows per failure
func (r *Runner) updateProfileFailure(profileID string) {
	r.authMu.Lock()
	defer r.authMu.Unlock()

	for i := range r.authProfiles {
		if r.authProfiles[i].ID == profileID {
			r.authProfiles[i].FailureCount++
			cooldownMs := time.Now().UnixMilli() + int64(60000*r.authProfiles[i].FailureCount)
			r.authProfiles[i].CooldownUntil = &cooldownMs
			break
		}
	}
}

// sortProfilesByPriority sorts profiles by priority (lower = higher priority)
func sortProfilesByPriority(profiles []AuthProfile) {
	sort.SliceStable(profiles, func(i, j int) bool {
		return profiles[i].Priority < profiles[j].Priority
	})
}
