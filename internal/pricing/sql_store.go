package pricing

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

// SQLStore reads rules from service_pricings and service_pricing_tiers.
type SQLStore struct {
	db      *sql.DB
	dialect string
	logger  *slog.Logger
}

func NewSQLStore(db *sql.DB, dialect string, logger *slog.Logger) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pricing database is required")
	}
	dialect = strings.ToLower(strings.TrimSpace(dialect))
	if dialect != DialectSQLite && dialect != DialectPostgres {
		return nil, fmt.Errorf("unsupported pricing dialect %q", dialect)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLStore{db: db, dialect: dialect, logger: logger}, nil
}

func (s *SQLStore) CurrentRules(ctx context.Context, provider string, now time.Time) ([]*Rule, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
SELECT
    id,
    provider,
    service_type,
    model_pattern,
    unit,
    input_cost_cents,
    output_cost_cents,
    currency,
    effective_at,
    expires_at,
    active,
    updated_at
FROM service_pricings
WHERE provider = ? AND active = ?
ORDER BY updated_at DESC, id DESC`), provider, true)
	if err != nil {
		return nil, fmt.Errorf("query pricing rules for %q: %w", provider, err)
	}
	defer rows.Close()

	var (
		rules []*Rule
		byID  = make(map[int64]*Rule)
		ids   []int64
	)
	for rows.Next() {
		rule, id, err := scanRuleRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pricing rule: %w", err)
		}
		if !rule.Current(now) {
			continue
		}
		rules = append(rules, rule)
		byID[id] = rule
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pricing rules: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	if err := s.loadTiers(ctx, ids, byID); err != nil {
		return nil, err
	}

	for _, rule := range rules {
		checkTiers(rule, s.logger)
	}
	return rules, nil
}

func (s *SQLStore) loadTiers(ctx context.Context, ids []int64, byID map[int64]*Rule) error {
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	query := s.rebind(`
SELECT service_pricing_id, min_units, max_units, input_cost_cents, output_cost_cents
FROM service_pricing_tiers
WHERE service_pricing_id IN (` + strings.Join(placeholders, ", ") + `)
ORDER BY service_pricing_id, min_units`)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("query pricing tiers: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			pricingID int64
			tier      Tier
			maxUnits  sql.NullInt64
		)
		if err := rows.Scan(&pricingID, &tier.MinUnits, &maxUnits, &tier.InputCostPerUnit, &tier.OutputCostPerUnit); err != nil {
			return fmt.Errorf("scan pricing tier: %w", err)
		}
		if maxUnits.Valid {
			v := maxUnits.Int64
			tier.MaxUnits = &v
		}
		if rule, ok := byID[pricingID]; ok {
			rule.Tiers = append(rule.Tiers, tier)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate pricing tiers: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRuleRow(scanner rowScanner) (*Rule, int64, error) {
	var (
		id          int64
		rule        Rule
		serviceType sql.NullString
		unit        sql.NullString
		currency    sql.NullString
		effectiveAt nullTime
		expiresAt   nullTime
		updatedAt   nullTime
	)
	if err := scanner.Scan(
		&id,
		&rule.Provider,
		&serviceType,
		&rule.ModelPattern,
		&unit,
		&rule.InputCostPerUnit,
		&rule.OutputCostPerUnit,
		&currency,
		&effectiveAt,
		&expiresAt,
		&rule.Active,
		&updatedAt,
	); err != nil {
		return nil, 0, err
	}

	rule.ID = strconv.FormatInt(id, 10)
	rule.Origin = OriginDB
	rule.ServiceType = strings.TrimSpace(serviceType.String)
	rule.Unit = Unit(strings.TrimSpace(unit.String))
	rule.Currency = strings.TrimSpace(currency.String)
	if rule.Currency == "" {
		rule.Currency = "USD"
	}
	if effectiveAt.Valid {
		at := effectiveAt.Time
		rule.EffectiveAt = &at
	}
	if expiresAt.Valid {
		at := expiresAt.Time
		rule.ExpiresAt = &at
	}
	rule.UpdatedAt = updatedAt.Time
	return &rule, id, nil
}

func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// nullTime scans timestamps from both drivers. SQLite returns text in a
// handful of layouts, Postgres returns time.Time.
type nullTime struct {
	Time  time.Time
	Valid bool
}

func (n *nullTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		n.Time, n.Valid = time.Time{}, false
		return nil
	case time.Time:
		n.Time, n.Valid = v.UTC(), true
		return nil
	case string:
		return n.parse(v)
	case []byte:
		return n.parse(string(v))
	}
	return fmt.Errorf("unsupported timestamp type %T", src)
}

func (n *nullTime) parse(raw string) error {
	parsed, err := parseTimestamp(raw)
	if err != nil {
		return err
	}
	n.Time, n.Valid = parsed, !parsed.IsZero()
	return nil
}

func parseTimestamp(raw string) (time.Time, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, nil
	}

	withTZLayouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05-07:00",
		"2006-01-02 15:04:05 -0700 MST",
	}
	for _, layout := range withTZLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC(), nil
		}
	}

	withoutTZLayouts := []string{
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
	}
	for _, layout := range withoutTZLayouts {
		if parsed, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return parsed.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("unsupported datetime format %q", value)
}
