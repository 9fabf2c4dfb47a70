package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/akylbek/payment-system/link-verifier/internal/interfaces"
	"github.com/akylbek/payment-system/link-verifier/internal/models"
)

// LinkRecord is the GORM row for a payment link.
type LinkRecord struct {
	MerchantAddress string  `gorm:"primaryKey;size:64;uniqueIndex:idx_merchant_event_ref,priority:1"`
	ID              string  `gorm:"primaryKey;size:64"`
	Amount          string  `gorm:"size:80;not null"`
	Currency        string  `gorm:"size:16;not null"`
	Description     string  `gorm:"size:255"`
	Status          string  `gorm:"size:16;index;not null"`
	MatchedEventRef *string `gorm:"size:128;uniqueIndex:idx_merchant_event_ref,priority:2"`
	MatchedBlock    uint64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (LinkRecord) TableName() string {
	return "payment_links"
}

func (r LinkRecord) toModel() models.PaymentLink {
	link := models.PaymentLink{
		ID:              r.ID,
		MerchantAddress: r.MerchantAddress,
		Amount:          r.Amount,
		Currency:        r.Currency,
		Description:     r.Description,
		Status:          models.LinkStatus(r.Status),
		MatchedBlock:    r.MatchedBlock,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if r.MatchedEventRef != nil {
		link.MatchedEventRef = *r.MatchedEventRef
	}
	return link
}

// GormLinkStore is a LinkStore backed by GORM (MySQL in production, SQLite for
// local runs). The *gorm.DB must be opened with TranslateError enabled so that
// duplicate event bindings surface as gorm.ErrDuplicatedKey.
type GormLinkStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormLinkStore(db *gorm.DB) *GormLinkStore {
	return &GormLinkStore{db: db, now: time.Now}
}

func (s *GormLinkStore) AutoMigrate() error {
	return s.db.AutoMigrate(&LinkRecord{})
}

func (s *GormLinkStore) Create(ctx context.Context, link models.PaymentLink) error {
	now := s.now()
	rec := LinkRecord{
		MerchantAddress: models.NormalizeAddress(link.MerchantAddress),
		ID:              link.ID,
		Amount:          link.Amount,
		Currency:        link.Currency,
		Description:     link.Description,
		Status:          string(models.StatusActive),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	return s.db.WithContext(ctx).Create(&rec).Error
}

func (s *GormLinkStore) Get(ctx context.Context, merchant, linkID string) (*models.PaymentLink, error) {
	var rec LinkRecord
	err := s.db.WithContext(ctx).
		Where("merchant_address = ? AND id = ?", models.NormalizeAddress(merchant), linkID).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", models.ErrNotFound, linkID)
	}
	if err != nil {
		return nil, err
	}
	link := rec.toModel()
	return &link, nil
}

func (s *GormLinkStore) ListPending(ctx context.Context, merchant string) ([]models.PaymentLink, error) {
	var recs []LinkRecord
	err := s.db.WithContext(ctx).
		Where("merchant_address = ? AND status IN ?", models.NormalizeAddress(merchant),
			[]string{string(models.StatusActive), string(models.StatusPending)}).
		Order("created_at, id").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}

	links := make([]models.PaymentLink, 0, len(recs))
	for _, rec := range recs {
		links = append(links, rec.toModel())
	}
	return links, nil
}

func (s *GormLinkStore) ListMerchants(ctx context.Context) ([]string, error) {
	var merchants []string
	err := s.db.WithContext(ctx).Model(&LinkRecord{}).
		Where("status IN ?", []string{string(models.StatusActive), string(models.StatusPending)}).
		Distinct().
		Order("merchant_address").
		Pluck("merchant_address", &merchants).Error
	return merchants, err
}

func (s *GormLinkStore) BoundEventRefs(ctx context.Context, merchant string) (map[string]struct{}, error) {
	var found []string
	err := s.db.WithContext(ctx).Model(&LinkRecord{}).
		Where("merchant_address = ? AND matched_event_ref IS NOT NULL", models.NormalizeAddress(merchant)).
		Pluck("matched_event_ref", &found).Error
	if err != nil {
		return nil, err
	}

	refs := make(map[string]struct{}, len(found))
	for _, ref := range found {
		refs[ref] = struct{}{}
	}
	return refs, nil
}

func (s *GormLinkStore) Update(ctx context.Context, merchant, linkID string, t models.Transition) (*models.PaymentLink, error) {
	var next models.PaymentLink
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec LinkRecord
		err := tx.Where("merchant_address = ? AND id = ?", models.NormalizeAddress(merchant), linkID).
			First(&rec).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", models.ErrNotFound, linkID)
		}
		if err != nil {
			return err
		}

		current := rec.toModel()
		next, err = current.Apply(t, s.now())
		if err != nil {
			return err
		}

		updates := map[string]any{
			"status":     string(next.Status),
			"updated_at": next.UpdatedAt,
		}
		if current.MatchedEventRef == "" && next.MatchedEventRef != "" {
			updates["matched_event_ref"] = next.MatchedEventRef
			updates["matched_block"] = next.MatchedBlock
		}

		res := tx.Model(&LinkRecord{}).
			Where("merchant_address = ? AND id = ? AND status = ?", rec.MerchantAddress, linkID, rec.Status).
			Updates(updates)
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("%w: %s", models.ErrEventAlreadyBound, next.MatchedEventRef)
		}
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: link %s changed concurrently", models.ErrInvalidTransition, linkID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &next, nil
}

var _ interfaces.LinkStore = (*GormLinkStore)(nil)
