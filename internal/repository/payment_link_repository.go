package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/akylbek/payment-system/link-verifier/internal/interfaces"
	"github.com/akylbek/payment-system/link-verifier/internal/models"
)

const linkColumns = `id, merchant_address, amount, currency, description, status,
	matched_event_ref, matched_block, created_at, updated_at`

// uniqueViolation is the Postgres SQLSTATE for unique_violation.
const uniqueViolation = "23505"

type PaymentLinkRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewPaymentLinkRepository(db *sql.DB) *PaymentLinkRepository {
	return &PaymentLinkRepository{db: db, now: time.Now}
}

func (r *PaymentLinkRepository) InitDB() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS payment_links (
			merchant_address VARCHAR(64) NOT NULL,
			id VARCHAR(64) NOT NULL,
			amount VARCHAR(80) NOT NULL,
			currency VARCHAR(16) NOT NULL,
			description TEXT,
			status VARCHAR(16) NOT NULL,
			matched_event_ref VARCHAR(128),
			matched_block BIGINT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (merchant_address, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_payment_links_status ON payment_links(merchant_address, status)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_payment_links_event_ref
			ON payment_links(merchant_address, matched_event_ref) WHERE matched_event_ref IS NOT NULL`,
	}

	for _, query := range queries {
		if _, err := r.db.Exec(query); err != nil {
			return err
		}
	}

	return nil
}

func (r *PaymentLinkRepository) Create(ctx context.Context, link models.PaymentLink) error {
	now := r.now()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO payment_links (id, merchant_address, amount, currency, description, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, link.ID, models.NormalizeAddress(link.MerchantAddress), link.Amount, link.Currency,
		link.Description, models.StatusActive, now, now)
	return err
}

func (r *PaymentLinkRepository) Get(ctx context.Context, merchant, linkID string) (*models.PaymentLink, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+linkColumns+`
		FROM payment_links WHERE merchant_address = $1 AND id = $2
	`, models.NormalizeAddress(merchant), linkID)

	link, err := scanLink(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrNotFound, linkID)
	}
	if err != nil {
		return nil, err
	}
	return link, nil
}

func (r *PaymentLinkRepository) ListPending(ctx context.Context, merchant string) ([]models.PaymentLink, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+linkColumns+`
		FROM payment_links
		WHERE merchant_address = $1 AND status IN ($2, $3)
		ORDER BY created_at, id
	`, models.NormalizeAddress(merchant), models.StatusActive, models.StatusPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var links []models.PaymentLink
	for rows.Next() {
		link, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		links = append(links, *link)
	}
	return links, rows.Err()
}

func (r *PaymentLinkRepository) ListMerchants(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT merchant_address FROM payment_links
		WHERE status IN ($1, $2)
		ORDER BY merchant_address
	`, models.StatusActive, models.StatusPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var merchants []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		merchants = append(merchants, m)
	}
	return merchants, rows.Err()
}

func (r *PaymentLinkRepository) BoundEventRefs(ctx context.Context, merchant string) (map[string]struct{}, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT matched_event_ref FROM payment_links
		WHERE merchant_address = $1 AND matched_event_ref IS NOT NULL
	`, models.NormalizeAddress(merchant))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	refs := make(map[string]struct{})
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, err
		}
		refs[ref] = struct{}{}
	}
	return refs, rows.Err()
}

// Update reads the current record, applies the transition and writes it back
// only if the status and binding are still what was read.
func (r *PaymentLinkRepository) Update(ctx context.Context, merchant, linkID string, t models.Transition) (*models.PaymentLink, error) {
	current, err := r.Get(ctx, merchant, linkID)
	if err != nil {
		return nil, err
	}

	next, err := current.Apply(t, r.now())
	if err != nil {
		return nil, err
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE payment_links
		SET status = $1, matched_event_ref = $2, matched_block = $3, updated_at = $4
		WHERE merchant_address = $5 AND id = $6 AND status = $7
			AND COALESCE(matched_event_ref, '') = $8
	`, next.Status, nullString(next.MatchedEventRef), nullBlock(next), next.UpdatedAt,
		current.MerchantAddress, linkID, current.Status, current.MatchedEventRef)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return nil, fmt.Errorf("%w: %s", models.ErrEventAlreadyBound, next.MatchedEventRef)
		}
		return nil, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, fmt.Errorf("%w: link %s changed concurrently", models.ErrInvalidTransition, linkID)
	}

	return &next, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLink(row rowScanner) (*models.PaymentLink, error) {
	var (
		link        models.PaymentLink
		description sql.NullString
		ref         sql.NullString
		block       sql.NullInt64
	)
	err := row.Scan(&link.ID, &link.MerchantAddress, &link.Amount, &link.Currency, &description,
		&link.Status, &ref, &block, &link.CreatedAt, &link.UpdatedAt)
	if err != nil {
		return nil, err
	}
	link.Description = description.String
	link.MatchedEventRef = ref.String
	if block.Valid {
		link.MatchedBlock = uint64(block.Int64)
	}
	return &link, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullBlock(link models.PaymentLink) sql.NullInt64 {
	if link.MatchedEventRef == "" {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(link.MatchedBlock), Valid: true}
}

var _ interfaces.LinkStore = (*PaymentLinkRepository)(nil)
