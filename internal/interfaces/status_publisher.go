package interfaces

import (
	"context"

	"github.com/akylbek/payment-system/link-verifier/internal/models"
)

type StatusPublisher interface {
	PublishStatusChange(ctx context.Context, change models.StatusChange) error
}

// Locker guards a reconciliation group across engine replicas.
type Locker interface {
	TryLock(ctx context.Context, key string) (release func(), ok bool, err error)
}
