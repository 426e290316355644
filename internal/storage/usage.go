package storage

import (
	"context"

	"github.com/SirClappington/shortsq/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const usageCols = `provider, total_bytes, file_count, is_full, alert_sent, last_updated`

func scanUsage(row pgx.Row) (domain.ProviderUsage, error) {
	var u domain.ProviderUsage
	err := row.Scan(&u.Provider, &u.TotalBytes, &u.FileCount, &u.IsFull, &u.AlertSent, &u.LastUpdated)
	return u, err
}

// InitProvider creates a zeroed usage row if none exists.
func (s *Store) InitProvider(ctx context.Context, name string) error {
	if _, err := s.db.Exec(ctx, `insert into provider_usage(provider) values ($1) on conflict (provider) do nothing`, name); err != nil {
		return domain.DatabaseError("init provider", err)
	}
	return nil
}

// AdjustUsage applies a signed byte and file delta in a single statement and
// recomputes is_full against ceiling. alert_sent is re-armed once usage is
// back under the ceiling.
func (s *Store) AdjustUsage(ctx context.Context, name string, dBytes, dFiles, ceiling int64) (domain.ProviderUsage, error) {
	u, err := scanUsage(s.db.QueryRow(ctx, `insert into provider_usage as u (provider, total_bytes, file_count, is_full)
values ($1, greatest($2::bigint, 0), greatest($3::bigint, 0), greatest($2::bigint, 0) >= $4)
on conflict (provider) do update set
    total_bytes  = greatest(u.total_bytes + $2, 0),
    file_count   = greatest(u.file_count + $3, 0),
    is_full      = greatest(u.total_bytes + $2, 0) >= $4,
    alert_sent   = case when greatest(u.total_bytes + $2, 0) >= $4 then u.alert_sent else false end,
    last_updated = now()
returning `+usageCols, name, dBytes, dFiles, ceiling))
	if err != nil {
		return u, domain.DatabaseError("adjust usage", err)
	}
	return u, nil
}

// ClaimAlert flips alert_sent on a full provider. Exactly one caller per
// becomes-full transition sees true.
func (s *Store) ClaimAlert(ctx context.Context, name string) (bool, error) {
	tag, err := s.db.Exec(ctx, `update provider_usage set alert_sent = true
 where provider = $1 and is_full and not alert_sent`, name)
	if err != nil {
		return false, domain.DatabaseError("claim alert", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) GetUsage(ctx context.Context, name string) (domain.ProviderUsage, bool, error) {
	u, err := scanUsage(s.db.QueryRow(ctx, `select `+usageCols+` from provider_usage where provider = $1`, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ProviderUsage{Provider: name}, false, nil
	}
	if err != nil {
		return u, false, domain.DatabaseError("get usage", err)
	}
	return u, true, nil
}

func (s *Store) ListUsage(ctx context.Context) ([]domain.ProviderUsage, error) {
	rows, err := s.db.Query(ctx, `select `+usageCols+` from provider_usage order by provider`)
	if err != nil {
		return nil, domain.DatabaseError("list usage", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.ProviderUsage, error) { return scanUsage(row) })
	if err != nil {
		return nil, domain.DatabaseError("list usage", err)
	}
	return out, nil
}

// OverwriteUsage replaces the snapshot with externally observed totals.
func (s *Store) OverwriteUsage(ctx context.Context, name string, bytes, files, ceiling int64) (domain.ProviderUsage, error) {
	u, err := scanUsage(s.db.QueryRow(ctx, `insert into provider_usage as u (provider, total_bytes, file_count, is_full)
values ($1, $2, $3, $2 >= $4)
on conflict (provider) do update set
    total_bytes  = excluded.total_bytes,
    file_count   = excluded.file_count,
    is_full      = excluded.is_full,
    alert_sent   = case when excluded.is_full then u.alert_sent else false end,
    last_updated = now()
returning `+usageCols, name, bytes, files, ceiling))
	if err != nil {
		return u, domain.DatabaseError("overwrite usage", err)
	}
	return u, nil
}
