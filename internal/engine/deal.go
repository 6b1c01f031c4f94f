package engine

import (
	"context"
	"time"

	"github.com/sayujks0071/antidhan-sub001/internal/models"
)

// waitEntryFill blocks until the entry is COMPLETE, ends in another terminal
// status, the fill timeout passes or ctx is done. It reports whether the entry
// filled completely and returns the last snapshot seen.
func (e *Engine) waitEntryFill(ctx context.Context, clientOrderID string) (models.Order, bool) {
	timeout := time.NewTimer(e.cfg.FillTimeout)
	defer timeout.Stop()

	for {
		changed, ok := e.book.Changed(clientOrderID)
		if !ok {
			return models.Order{}, false
		}
		o, _ := e.book.Get(clientOrderID)
		if o.Status == models.OrderStatusComplete {
			return o, true
		}
		if o.Status.IsTerminal() {
			return o, false
		}

		select {
		case <-ctx.Done():
			return o, false
		case <-timeout.C:
			current, _ := e.book.Get(clientOrderID)
			return current, current.Status == models.OrderStatusComplete
		case <-changed:
		}
	}
}
