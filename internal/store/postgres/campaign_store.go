package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/pricecut/internal/domain"
)

// CampaignStore implements domain.CampaignStore using PostgreSQL.
type CampaignStore struct {
	pool *pgxpool.Pool
}

// NewCampaignStore creates a new CampaignStore backed by the given connection pool.
func NewCampaignStore(pool *pgxpool.Pool) *CampaignStore {
	return &CampaignStore{pool: pool}
}

const campaignCols = `id, product_id, original_price, target_price,
	min_cut_amount, max_cut_amount, status, session_ttl_seconds,
	total_sessions, successful_sessions, created_at, updated_at`

func scanCampaign(row pgx.Row) (domain.Campaign, error) {
	var c domain.Campaign
	var status string
	var ttlSeconds int64
	err := row.Scan(
		&c.ID, &c.ProductID, &c.OriginalPrice, &c.TargetPrice,
		&c.MinCutAmount, &c.MaxCutAmount, &status, &ttlSeconds,
		&c.TotalSessions, &c.SuccessfulSessions, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return domain.Campaign{}, err
	}
	c.Status = domain.CampaignStatus(status)
	c.SessionTTL = time.Duration(ttlSeconds) * time.Second
	return c, nil
}

// Get retrieves a campaign by its primary key.
func (s *CampaignStore) Get(ctx context.Context, id string) (domain.Campaign, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+campaignCols+` FROM campaigns WHERE id = $1`, id)
	c, err := scanCampaign(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Campaign{}, domain.ErrCampaignNotFound
		}
		return domain.Campaign{}, fmt.Errorf("postgres: get campaign %s: %w", id, err)
	}
	return c, nil
}

// ListActive returns active campaigns ordered by id.
func (s *CampaignStore) ListActive(ctx context.Context, opts domain.ListOpts) ([]domain.Campaign, error) {
	query, args := paginate(
		`SELECT `+campaignCols+` FROM campaigns WHERE status = 'active' ORDER BY id`, nil, opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active campaigns: %w", err)
	}
	defer rows.Close()

	var out []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan campaign: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list active campaigns rows: %w", err)
	}
	return out, nil
}

// Upsert inserts or updates a campaign definition. The rollup counters are
// never overwritten.
func (s *CampaignStore) Upsert(ctx context.Context, c domain.Campaign) error {
	if err := c.Validate(); err != nil {
		return err
	}
	const query = `
		INSERT INTO campaigns (
			id, product_id, original_price, target_price,
			min_cut_amount, max_cut_amount, status, session_ttl_seconds,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8,
			NOW(), NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			product_id          = EXCLUDED.product_id,
			original_price      = EXCLUDED.original_price,
			target_price        = EXCLUDED.target_price,
			min_cut_amount      = EXCLUDED.min_cut_amount,
			max_cut_amount      = EXCLUDED.max_cut_amount,
			status              = EXCLUDED.status,
			session_ttl_seconds = EXCLUDED.session_ttl_seconds,
			updated_at          = NOW()`

	_, err := s.pool.Exec(ctx, query,
		c.ID, c.ProductID, c.OriginalPrice, c.TargetPrice,
		c.MinCutAmount, c.MaxCutAmount, string(c.Status), int64(c.SessionTTL/time.Second),
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert campaign %s: %w", c.ID, err)
	}
	return nil
}

// IncrementTotalSessions atomically adds one to total_sessions.
func (s *CampaignStore) IncrementTotalSessions(ctx context.Context, id string) error {
	return s.increment(ctx, id, "total_sessions")
}

// IncrementSuccesses atomically adds one to successful_sessions.
func (s *CampaignStore) IncrementSuccesses(ctx context.Context, id string) error {
	return s.increment(ctx, id, "successful_sessions")
}

func (s *CampaignStore) increment(ctx context.Context, id, column string) error {
	query := fmt.Sprintf(
		`UPDATE campaigns SET %[1]s = %[1]s + 1, updated_at = NOW() WHERE id = $1`, column)
	tag, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("postgres: increment %s for campaign %s: %w", column, id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrCampaignNotFound
	}
	return nil
}

// paginate appends LIMIT/OFFSET placeholders after the existing args.
func paginate(query string, args []any, opts domain.ListOpts) (string, []any) {
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return query, args
}

var _ domain.CampaignStore = (*CampaignStore)(nil)
