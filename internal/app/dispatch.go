package app

import (
	"context"

	"escalator/internal/recipient"
	"escalator/internal/worker"
)

const dispatchBatch = 64

// dispatchLoop is the dispatch worker body. Person throttle state is only
// touched here.
type dispatchLoop struct {
	outbox *recipient.Outbox
}

func (d dispatchLoop) Step(ctx context.Context, ctl worker.Control) error {
	select {
	case <-ctx.Done():
		return nil
	case <-ctl.Interrupt():
		return nil
	case <-d.outbox.Queue().Ready():
	}
	d.outbox.Deliver(ctx, dispatchBatch)
	return nil
}
