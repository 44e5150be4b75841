package utils

import (
	"context"
	"fmt"

	"stockly/internal/logging"
)

// BestEffort runs fn and logs, but never returns, its failure. A panic in fn
// is recovered and logged the same way, using the logger carried by ctx.
// It reports whether fn succeeded.
func BestEffort(ctx context.Context, name string, fn func(context.Context) error) (ok bool) {
	logger := logging.FromContext(ctx)
	defer func() {
		if r := recover(); r != nil {
			logger.Error().
				Str("task", name).
				Str("panic", fmt.Sprint(r)).
				Msg("Best-effort task panicked")
			ok = false
		}
	}()

	if err := fn(ctx); err != nil {
		logger.Warn().Err(err).Str("task", name).Msg("Best-effort task failed")
		return false
	}
	return true
}
