package alerts

import (
	"context"
	"database/sql"
	"encoding/json"
)

// PostgresStore persists alerts in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed alert store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, a *Alert) error {
	meta, _ := json.Marshal(a.Metadata)
	if a.Metadata == nil {
		meta = []byte("{}")
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO settlement_alerts (id, severity, message, metadata, call_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, string(a.Severity), a.Message, meta, nullString(a.CallID), a.CreatedAt,
	)
	return err
}

func (p *PostgresStore) List(ctx context.Context, filter Filter) ([]*Alert, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, severity, message, metadata, call_id, created_at
		FROM settlement_alerts
		WHERE ($1 = '' OR severity = $1)
		  AND ($2 = '' OR call_id = $2)
		ORDER BY created_at DESC
		LIMIT $3`, string(filter.Severity), filter.CallID, filter.Limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Alert
	for rows.Next() {
		a := &Alert{}
		var (
			severity string
			meta     []byte
			callID   sql.NullString
		)
		if err := rows.Scan(&a.ID, &severity, &a.Message, &meta, &callID, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Severity = Severity(severity)
		a.CallID = callID.String
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &a.Metadata)
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
