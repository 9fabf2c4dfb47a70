package interfaces

import (
	"context"

	"github.com/akylbek/payment-system/link-verifier/internal/models"
)

// LinkStore defines the contract for payment link data access. Records are
// partitioned by merchant address; Update is an atomic read-modify-write per link.
type LinkStore interface {
	Create(ctx context.Context, link models.PaymentLink) error
	Get(ctx context.Context, merchant, linkID string) (*models.PaymentLink, error)
	ListPending(ctx context.Context, merchant string) ([]models.PaymentLink, error)
	ListMerchants(ctx context.Context) ([]string, error)
	BoundEventRefs(ctx context.Context, merchant string) (map[string]struct{}, error)
	Update(ctx context.Context, merchant, linkID string, t models.Transition) (*models.PaymentLink, error)
}
