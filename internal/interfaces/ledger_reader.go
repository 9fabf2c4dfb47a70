package interfaces

import (
	"context"

	"github.com/akylbek/payment-system/link-verifier/internal/models"
)

// LedgerReader fetches recent transfers addressed to a merchant.
type LedgerReader interface {
	RecentTransfers(ctx context.Context, merchant, currency string, lookbackBlocks uint64) (*models.TransferBatch, error)
}
