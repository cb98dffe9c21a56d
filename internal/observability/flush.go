package observability

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// FlushTelemetry runs the final flushers (e.g. a last registry save) and then syncs logs.
// Call during graceful shutdown after in-flight requests and background work have stopped.
func FlushTelemetry(ctx context.Context, logger *zap.Logger, flushers ...func(context.Context) error) error {
	var errs []error
	for _, flush := range flushers {
		if err := flush(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if logger != nil {
		if err := logger.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("flush logs: %w", err))
		}
	}
	return errors.Join(errs...)
}
