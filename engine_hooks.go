package tipengine

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Settle Hook Context Types
// ============================================================================

// SettleContext contains information passed to settle hooks
type SettleContext struct {
	Ctx          context.Context
	Session      Session
	Payload      PaymentPayload
	Requirements PaymentRequirements
	Timestamp    time.Time
}

// SettleResultContext contains a successful settlement and its context
type SettleResultContext struct {
	SettleContext
	Result   SettleResult
	Duration time.Duration
}

// SettleFailureContext contains a failed settlement and its context
type SettleFailureContext struct {
	SettleContext
	Error    error
	Duration time.Duration
}

// BeforeHookResult aborts the settlement with Reason when Abort is set
type BeforeHookResult struct {
	Abort  bool
	Reason string
}

// BeforeSettleHook runs before the session is marked payment_processing.
// Aborting leaves the session untouched.
type BeforeSettleHook func(SettleContext) (*BeforeHookResult, error)

// AfterSettleHook runs after a session is confirmed.
// Errors are logged and do not affect the result.
type AfterSettleHook func(SettleResultContext) error

// OnSettleFailureHook runs after a session was marked failed.
// Errors are logged; the failure is never recovered.
type OnSettleFailureHook func(SettleFailureContext) error

// OnBeforeSettle registers a hook run before each settlement attempt
func (e *Engine) OnBeforeSettle(hook BeforeSettleHook) *Engine {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.beforeSettleHooks = append(e.beforeSettleHooks, hook)
	return e
}

// OnAfterSettle registers a hook run after each confirmed settlement
func (e *Engine) OnAfterSettle(hook AfterSettleHook) *Engine {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.afterSettleHooks = append(e.afterSettleHooks, hook)
	return e
}

// OnSettleFailure registers a hook run after each failed settlement
func (e *Engine) OnSettleFailure(hook OnSettleFailureHook) *Engine {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onSettleFailureHooks = append(e.onSettleFailureHooks, hook)
	return e
}

func (e *Engine) runBeforeSettle(hookCtx SettleContext) error {
	e.mu.RLock()
	hooks := e.beforeSettleHooks
	e.mu.RUnlock()

	for _, hook := range hooks {
		result, err := hook(hookCtx)
		if err != nil {
			return ValidationError(CodeHookAborted, err.Error())
		}
		if result != nil && result.Abort {
			return ValidationError(CodeHookAborted, result.Reason)
		}
	}
	return nil
}

func (e *Engine) runAfterSettle(hookCtx SettleResultContext) {
	e.mu.RLock()
	hooks := e.afterSettleHooks
	e.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(hookCtx); err != nil {
			e.logger.Warn("after-settle hook failed",
				zap.String("session_id", hookCtx.Session.ID), zap.Error(err))
		}
	}
}

func (e *Engine) runSettleFailure(hookCtx SettleFailureContext) {
	e.mu.RLock()
	hooks := e.onSettleFailureHooks
	e.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(hookCtx); err != nil {
			e.logger.Warn("settle-failure hook failed",
				zap.String("session_id", hookCtx.Session.ID), zap.Error(err))
		}
	}
}
