package bookmail

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// SettleResult contains the result of a settle sweep.
type SettleResult struct {
	// SettledCount is the number of undo windows finalized.
	SettledCount int64
	// Interrupted indicates the sweep stopped early because ctx was done.
	Interrupted bool
}

// Settle finalizes every undo window that ended before the service clock's
// current time, in batches of the configured settle batch size.
//
// Undo decides expiry from the clock, not from this sweep, so a missed or
// late sweep never extends a window. Settle only clears PendingUndoUntil
// and PreviousVisibility so the stored record reflects its settled state.
//
// This method should be called periodically, for example:
//
//	go func() {
//	    ticker := time.NewTicker(time.Minute)
//	    defer ticker.Stop()
//	    for range ticker.C {
//	        if _, err := svc.Settle(ctx); err != nil {
//	            log.Printf("settle: %v", err)
//	        }
//	    }
//	}()
func (s *service) Settle(ctx context.Context) (*SettleResult, error) {
	if atomic.LoadInt32(&s.state) != stateConnected {
		return nil, ErrNotConnected
	}

	ctx, endSpan := s.otel.startSpan(ctx, "bookmail.settle")
	result := &SettleResult{}
	var err error
	defer func() {
		endSpan(err)
		s.otel.recordSettle(ctx, result.SettledCount)
	}()

	now := s.clock.Now()
	batch := s.opts.settleBatchSize
	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			result.Interrupted = true
			err = ctxErr
			return result, err
		}

		var n int64
		n, err = s.store.SettleExpired(ctx, now, batch)
		result.SettledCount += n
		if err != nil {
			err = fmt.Errorf("settle expired: %w", storeError(err))
			return result, err
		}
		if n < int64(batch) {
			break
		}
	}

	if result.SettledCount > 0 {
		s.logger.Debug("settled undo windows", "count", result.SettledCount, "cutoff", now.Format(time.RFC3339))
	}
	return result, nil
}
