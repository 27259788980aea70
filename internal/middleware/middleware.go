// Package middleware provides the agent invocation middlewares: per-tenant
// LLM credential injection and daily request rate limiting.
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/linkhubhq/linkhub/internal/agent"
	"github.com/linkhubhq/linkhub/internal/channel"
)

// ConnectionResolver maps a run's thread id back to the connection config it
// belongs to. Thread ids carry an optional "#conversation" suffix which
// resolvers must tolerate.
type ConnectionResolver interface {
	ResolveThread(threadID string) (channel.Config, bool)
}

// LLMInjection forwards the tenant's LLM credentials with every run by
// setting the llm_config forwarded prop. Runs whose connection has no
// credentials configured pass through untouched.
func LLMInjection(resolver ConnectionResolver, log *slog.Logger) agent.Middleware {
	if log == nil {
		log = slog.Default()
	}
	return func(next agent.Invoker) agent.Invoker {
		return func(ctx context.Context, input agent.RunInput) (agent.RunResult, error) {
			cfg, ok := resolver.ResolveThread(input.ThreadID)
			if !ok {
				return next(ctx, input)
			}
			llm := cfg.LLMConfig()
			if llm == nil {
				return next(ctx, input)
			}
			props := make(map[string]any, len(input.ForwardedProps)+1)
			for k, v := range input.ForwardedProps {
				props[k] = v
			}
			props[channel.MetaLLMConfig] = llm
			input.ForwardedProps = props
			log.Debug("injected llm config", slog.String("thread_id", input.ThreadID))
			return next(ctx, input)
		}
	}
}

// UsageStore tracks per-tenant daily request counts. Day is a UTC date in
// YYYY-MM-DD form.
type UsageStore interface {
	Count(ctx context.Context, tenantKey, day string) (int, error)
	Increment(ctx context.Context, tenantKey, day string) error
}

// LimitExceededText is the reply synthesized when a tenant's daily quota is
// spent. It is returned as a normal agent response so the user sees it on
// their platform.
const LimitExceededText = "Daily request limit reached. Please try again tomorrow."

// RateLimit enforces the per-tenant daily quota. The count is read before the
// run and incremented after a successful one; the increment is asynchronous
// and its errors are only logged, so concurrent runs near the boundary may
// slightly overshoot the quota. Connections without an owning tenant are not
// limited.
func RateLimit(resolver ConnectionResolver, store UsageStore, defaultLimit int, log *slog.Logger) agent.Middleware {
	if log == nil {
		log = slog.Default()
	}
	return func(next agent.Invoker) agent.Invoker {
		return func(ctx context.Context, input agent.RunInput) (agent.RunResult, error) {
			cfg, ok := resolver.ResolveThread(input.ThreadID)
			if !ok || strings.TrimSpace(cfg.UserID) == "" {
				return next(ctx, input)
			}
			tenant := cfg.TenantKey()
			limit := cfg.DailyRequestLimit(defaultLimit)
			day := time.Now().UTC().Format("2006-01-02")

			count, err := store.Count(ctx, tenant, day)
			if err != nil {
				return agent.RunResult{}, fmt.Errorf("rate limit: count usage: %w", err)
			}
			if count >= limit {
				log.Info("daily limit reached",
					slog.String("tenant", tenant),
					slog.Int("limit", limit))
				return agent.RunResult{
					Text:     LimitExceededText,
					Messages: []agent.Message{{Role: agent.RoleAssistant, Content: LimitExceededText}},
				}, nil
			}

			result, err := next(ctx, input)
			if err != nil {
				return result, err
			}
			go func() {
				incCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
				defer cancel()
				if err := store.Increment(incCtx, tenant, day); err != nil {
					log.Error("usage increment failed",
						slog.String("tenant", tenant),
						slog.Any("error", err))
				}
			}()
			return result, nil
		}
	}
}
