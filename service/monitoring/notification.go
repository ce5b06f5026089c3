/*
 * @module service/monitoring/notification
 * @description Fans a run event out to every configured publisher
 * @architecture Business service layer - sits between training and client/connectors
 * @stateFlow run event -> each publisher in order -> joined delivery errors
 * @rules One failing channel does not stop delivery to the others
 * @dependencies regression-trainer/client/connectors
 * @refs client/connectors/publisher.go
 */

package monitoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"regression-trainer/client/connectors"
)

// Notifier delivers run events to a set of publishers
type Notifier struct {
	publishers []connectors.Publisher
	logger     *slog.Logger
}

// NewNotifier wraps publishers; the notifier owns and closes them.
func NewNotifier(publishers ...connectors.Publisher) *Notifier {
	return &Notifier{
		publishers: publishers,
		logger:     slog.With("component", "notifier"),
	}
}

// Channels returns the names of the configured publishers.
func (n *Notifier) Channels() []string {
	names := make([]string, 0, len(n.publishers))
	for _, p := range n.publishers {
		names = append(names, p.Name())
	}
	return names
}

// Notify publishes event on every channel and returns the joined failures.
func (n *Notifier) Notify(ctx context.Context, event *connectors.RunEvent) error {
	var errs []error
	for _, p := range n.publishers {
		if err := p.Publish(ctx, event); err != nil {
			n.logger.Warn("run event not delivered", "channel", p.Name(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (n *Notifier) Close() error {
	var errs []error
	for _, p := range n.publishers {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}
