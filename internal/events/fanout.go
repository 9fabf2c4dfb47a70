package events

import (
	"context"
	"errors"

	"github.com/akylbek/payment-system/link-verifier/internal/interfaces"
	"github.com/akylbek/payment-system/link-verifier/internal/models"
)

// Fanout publishes to every configured publisher and joins their errors.
type Fanout []interfaces.StatusPublisher

func (f Fanout) PublishStatusChange(ctx context.Context, change models.StatusChange) error {
	var errs []error
	for _, p := range f {
		if err := p.PublishStatusChange(ctx, change); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ interfaces.StatusPublisher = Fanout(nil)
