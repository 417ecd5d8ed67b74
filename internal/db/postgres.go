package db

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/rawblock/trace-engine/internal/heuristics"
)

// schemaSQL is compiled into the binary at build time.
// This ensures schema init works inside the Docker runtime image which
// does not copy internal/db/schema.sql into the final stage.
//
//go:embed schema.sql
var schemaSQL string

// ErrNotConnected is returned by a nil store.
var ErrNotConnected = errors.New("database not connected")

type PostgresStore struct {
	pool *pgxpool.Pool
}

// Connect initializes the connection pool to PostgreSQL using pgx
func Connect(ctx context.Context, connStr string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping failed: %w", err)
	}

	log.Info().Str("component", "db").Msg("connected to PostgreSQL label store")
	return &PostgresStore{pool: pool}, nil
}

// Close gracefully closes the connection pool
func (s *PostgresStore) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema executes the embedded schema.sql DDL statements.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	if s == nil {
		return ErrNotConnected
	}
	_, err := s.pool.Exec(ctx, schemaSQL)
	if err != nil {
		return fmt.Errorf("failed to execute schema migrations: %w", err)
	}

	log.Info().Str("component", "db").Msg("label schema initialized")
	return nil
}

// Ping checks the pool, for health reporting.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if s == nil {
		return ErrNotConnected
	}
	return s.pool.Ping(ctx)
}

// UpsertLabel records or replaces the label of an address.
func (s *PostgresStore) UpsertLabel(ctx context.Context, l heuristics.AddressLabel) (heuristics.AddressLabel, error) {
	if s == nil {
		return heuristics.AddressLabel{}, ErrNotConnected
	}
	sql := `
		INSERT INTO address_labels (address, role, label, notes, tagged_by, tagged_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (address) DO UPDATE SET
			role = EXCLUDED.role,
			label = EXCLUDED.label,
			notes = EXCLUDED.notes,
			tagged_by = EXCLUDED.tagged_by,
			tagged_at = NOW()
		RETURNING tagged_at;
	`
	l.Address = strings.ToLower(l.Address)
	if err := s.pool.QueryRow(ctx, sql, l.Address, l.Role, l.Label, l.Notes, l.TaggedBy).Scan(&l.TaggedAt); err != nil {
		return heuristics.AddressLabel{}, fmt.Errorf("failed to upsert label: %w", err)
	}
	return l, nil
}

// GetLabel returns the label of one address, or heuristics.ErrLabelNotFound.
func (s *PostgresStore) GetLabel(ctx context.Context, address string) (heuristics.AddressLabel, error) {
	if s == nil {
		return heuristics.AddressLabel{}, ErrNotConnected
	}
	sql := `
		SELECT address, role, label, notes, tagged_by, tagged_at
		FROM address_labels
		WHERE address = $1
	`
	var l heuristics.AddressLabel
	err := s.pool.QueryRow(ctx, sql, strings.ToLower(address)).
		Scan(&l.Address, &l.Role, &l.Label, &l.Notes, &l.TaggedBy, &l.TaggedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return heuristics.AddressLabel{}, heuristics.ErrLabelNotFound
	}
	if err != nil {
		return heuristics.AddressLabel{}, err
	}
	return l, nil
}

// DeleteLabel removes the label of an address. Deleting a missing label is not an error.
func (s *PostgresStore) DeleteLabel(ctx context.Context, address string) error {
	if s == nil {
		return ErrNotConnected
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM address_labels WHERE address = $1`, strings.ToLower(address))
	return err
}

// LookupLabels implements heuristics.LabelSource.
func (s *PostgresStore) LookupLabels(ctx context.Context, addresses []string) (map[string]heuristics.AddressLabel, error) {
	if s == nil {
		return nil, ErrNotConnected
	}
	found := make(map[string]heuristics.AddressLabel)
	if len(addresses) == 0 {
		return found, nil
	}

	keys := make([]string, len(addresses))
	for i, a := range addresses {
		keys[i] = strings.ToLower(a)
	}

	sql := `
		SELECT address, role, label, notes, tagged_by, tagged_at
		FROM address_labels
		WHERE address = ANY($1)
	`
	rows, err := s.pool.Query(ctx, sql, keys)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var l heuristics.AddressLabel
		if err := rows.Scan(&l.Address, &l.Role, &l.Label, &l.Notes, &l.TaggedBy, &l.TaggedAt); err != nil {
			return nil, err
		}
		found[l.Address] = l
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return found, nil
}

// ListLabels pages through labels, newest first. It returns the page and
// the total number of labels.
func (s *PostgresStore) ListLabels(ctx context.Context, page int, limit int) ([]heuristics.AddressLabel, int, error) {
	if s == nil {
		return nil, 0, ErrNotConnected
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * limit

	// Get total count first
	var totalCount int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM address_labels`).Scan(&totalCount)
	if err != nil {
		return nil, 0, err
	}

	dataSQL := `
		SELECT address, role, label, notes, tagged_by, tagged_at
		FROM address_labels
		ORDER BY tagged_at DESC, address
		LIMIT $1 OFFSET $2
	`
	rows, err := s.pool.Query(ctx, dataSQL, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	labels := []heuristics.AddressLabel{}
	for rows.Next() {
		var l heuristics.AddressLabel
		if err := rows.Scan(&l.Address, &l.Role, &l.Label, &l.Notes, &l.TaggedBy, &l.TaggedAt); err != nil {
			return nil, 0, err
		}
		labels = append(labels, l)
	}
	if rows.Err() != nil {
		return nil, 0, rows.Err()
	}
	return labels, totalCount, nil
}

var _ heuristics.LabelStore = (*PostgresStore)(nil)
