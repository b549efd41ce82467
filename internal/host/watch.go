package host

import (
	"context"

	"github.com/radio-control/gapd/internal/adapter"
)

// Run consumes hotplug events from watcher until ctx ends or the event channel
// closes, registering and unregistering adapters as they come and go.
func (d *Dispatcher) Run(ctx context.Context, watcher adapter.Watcher) error {
	events, err := watcher.Watch(ctx)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return ctx.Err()
			}
			d.handleEvent(ctx, ev)
		}
	}
}

func (d *Dispatcher) handleEvent(ctx context.Context, ev adapter.Event) {
	logger := d.logger.WithField("adapter", ev.ID)

	switch ev.Kind {
	case adapter.Connected:
		if ev.Adapter == nil {
			logger.Warn("connect event without driver")
			return
		}
		if err := d.AddAdapter(ctx, ev.ID, ev.Adapter); err != nil {
			logger.WithError(err).Error("failed to register adapter")
		}
	case adapter.Disconnected:
		if err := d.RemoveAdapter(ev.ID); err != nil {
			logger.WithError(err).Debug("disconnect for unknown adapter")
		}
	}
}
