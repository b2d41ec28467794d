package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	proxy "github.com/eugener/palantir/internal"
)

const userColumns = `token, type, ips, prompt_count, token_counts, token_limits,
 token_refresh, created_at, last_used_at, disabled_at, expires_at, max_ips,
 disabled_reason, meta`

// LoadUsers returns every persisted user. Counter maps written by legacy
// deployments as flat per-family numbers are migrated to
// {input:0, output:0, legacyTotal:N} on the way in.
func (b *Backend) LoadUsers(ctx context.Context) ([]*proxy.User, error) {
	rows, err := b.read.QueryContext(ctx, `SELECT `+userColumns+` FROM users`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*proxy.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// SaveUsers upserts the batch inside a single transaction.
func (b *Backend) SaveUsers(ctx context.Context, users []*proxy.User) error {
	if len(users) == 0 {
		return nil
	}
	tx, err := b.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO users (`+userColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(token) DO UPDATE SET
		   type=excluded.type, ips=excluded.ips, prompt_count=excluded.prompt_count,
		   token_counts=excluded.token_counts, token_limits=excluded.token_limits,
		   token_refresh=excluded.token_refresh, last_used_at=excluded.last_used_at,
		   disabled_at=excluded.disabled_at, expires_at=excluded.expires_at,
		   max_ips=excluded.max_ips, disabled_reason=excluded.disabled_reason,
		   meta=excluded.meta`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, u := range users {
		ips, err := marshalJSON(u.IPs)
		if err != nil {
			return err
		}
		counts, err := marshalJSON(u.TokenCounts)
		if err != nil {
			return err
		}
		limits, err := marshalJSON(u.TokenLimits)
		if err != nil {
			return err
		}
		refresh, err := marshalJSON(u.TokenRefresh)
		if err != nil {
			return err
		}
		meta, err := marshalJSON(u.Meta)
		if err != nil {
			return err
		}
		_, err = stmt.ExecContext(ctx,
			u.Token, string(u.Type), ips, u.PromptCount, counts, limits, refresh,
			timeToStr(u.CreatedAt), timeToStr(u.LastUsedAt), timeToStr(u.DisabledAt),
			timeToStr(u.ExpiresAt), u.MaxIPs, nullStr(u.DisabledReason), meta,
		)
		if err != nil {
			return fmt.Errorf("save user %s: %w", u.Token, err)
		}
	}
	return tx.Commit()
}

// DeleteUser removes a user row.
func (b *Backend) DeleteUser(ctx context.Context, token string) error {
	_, err := b.write.ExecContext(ctx, `DELETE FROM users WHERE token=?`, token)
	return err
}

func scanUser(rows *sql.Rows) (*proxy.User, error) {
	var u proxy.User
	var typ string
	var ips, counts, limits, refresh, meta sql.NullString
	var createdAt, lastUsedAt, disabledAt, expiresAt, disabledReason sql.NullString

	err := rows.Scan(
		&u.Token, &typ, &ips, &u.PromptCount, &counts, &limits, &refresh,
		&createdAt, &lastUsedAt, &disabledAt, &expiresAt, &u.MaxIPs,
		&disabledReason, &meta,
	)
	if err != nil {
		return nil, err
	}

	u.Type = proxy.UserType(typ)
	u.DisabledReason = disabledReason.String
	u.CreatedAt = parseTime(createdAt)
	u.LastUsedAt = parseTime(lastUsedAt)
	u.DisabledAt = parseTime(disabledAt)
	u.ExpiresAt = parseTime(expiresAt)

	if err := unmarshalInto(ips, &u.IPs); err != nil {
		return nil, fmt.Errorf("user %s ips: %w", u.Token, err)
	}
	if err := unmarshalInto(limits, &u.TokenLimits); err != nil {
		return nil, fmt.Errorf("user %s limits: %w", u.Token, err)
	}
	if err := unmarshalInto(refresh, &u.TokenRefresh); err != nil {
		return nil, fmt.Errorf("user %s refresh: %w", u.Token, err)
	}
	if err := unmarshalInto(meta, &u.Meta); err != nil {
		return nil, fmt.Errorf("user %s meta: %w", u.Token, err)
	}

	u.TokenCounts, err = unmarshalCounts(counts)
	if err != nil {
		return nil, fmt.Errorf("user %s counts: %w", u.Token, err)
	}
	return &u, nil
}

// unmarshalCounts reads the per-family counter map, accepting both the
// current triple form and the legacy flat-number form.
func unmarshalCounts(ns sql.NullString) (map[proxy.ModelFamily]proxy.TokenUsage, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var raw map[proxy.ModelFamily]json.RawMessage
	if err := json.Unmarshal([]byte(ns.String), &raw); err != nil {
		return nil, err
	}
	out := make(map[proxy.ModelFamily]proxy.TokenUsage, len(raw))
	for family, msg := range raw {
		var usage proxy.TokenUsage
		if err := json.Unmarshal(msg, &usage); err == nil {
			out[family] = usage
			continue
		}
		var legacy int64
		if err := json.Unmarshal(msg, &legacy); err != nil {
			return nil, fmt.Errorf("family %s: unrecognized counter shape", family)
		}
		out[family] = proxy.TokenUsage{LegacyTotal: legacy}
	}
	return out, nil
}

// helpers

func marshalJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalInto(ns sql.NullString, dst any) error {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(ns.String), dst)
}

func timeToStr(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func parseTime(ns sql.NullString) time.Time {
	if !ns.Valid {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
