package storage

import (
	"database/sql"
	"database/sql/driver"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

func (d dialect) String() string {
	if d == dialectPostgres {
		return "postgres"
	}
	return "sqlite3"
}

// sqliteTimeLayout sorts lexicographically, so range filters on TEXT
// columns behave like timestamp comparisons.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000Z"

// rebind rewrites '?' placeholders to $1..$n for postgres. Quoted string
// literals are left alone.
func (d dialect) rebind(q string) string {
	if d != dialectPostgres || !strings.Contains(q, "?") {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(q); i++ {
		c := q[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// ts renders a timestamp argument.
func (d dialect) ts(t time.Time) any {
	if d == dialectPostgres {
		return t.UTC()
	}
	return t.UTC().Format(sqliteTimeLayout)
}

// nullTime scans TIMESTAMPTZ values (postgres) and TEXT values (sqlite).
type nullTime struct {
	Time  time.Time
	Valid bool
}

var _ sql.Scanner = (*nullTime)(nil)

func (n *nullTime) Scan(v any) error {
	n.Time, n.Valid = time.Time{}, false
	switch x := v.(type) {
	case nil:
		return nil
	case time.Time:
		n.Time, n.Valid = x, true
		return nil
	case string:
		return n.parse(x)
	case []byte:
		return n.parse(string(x))
	default:
		return fmt.Errorf("nullTime: unsupported type %T", v)
	}
}

func (n *nullTime) parse(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range []string{sqliteTimeLayout, time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			n.Time, n.Valid = t, true
			return nil
		}
	}
	return fmt.Errorf("nullTime: cannot parse %q", s)
}

func (n nullTime) ptr() *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time
	return &t
}

// nullDate scans DATE-ish columns into YYYY-MM-DD strings.
type nullDate struct {
	S     string
	Valid bool
}

func (n *nullDate) Scan(v any) error {
	n.S, n.Valid = "", false
	switch x := v.(type) {
	case nil:
		return nil
	case time.Time:
		n.S, n.Valid = x.Format("2006-01-02"), true
	case string:
		n.S, n.Valid = normalizeDate(x), x != ""
	case []byte:
		n.S, n.Valid = normalizeDate(string(x)), len(x) > 0
	default:
		return fmt.Errorf("nullDate: unsupported type %T", v)
	}
	return nil
}

func (n nullDate) ptr() *string {
	if !n.Valid {
		return nil
	}
	s := n.S
	return &s
}

func normalizeDate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 10 {
		s = s[:10]
	}
	return s
}

// jsonText accepts json/jsonb (postgres) and TEXT (sqlite) columns.
type jsonText []byte

func (j *jsonText) Scan(v any) error {
	switch x := v.(type) {
	case nil:
		*j = nil
	case string:
		*j = jsonText(x)
	case []byte:
		*j = append((*j)[:0], x...)
	default:
		return fmt.Errorf("jsonText: unsupported type %T", v)
	}
	return nil
}

func (j jsonText) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return string(j), nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullInt(p *int) any {
	if p == nil {
		return nil
	}
	return int64(*p)
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func boolPtr(n sql.NullBool) *bool {
	if !n.Valid {
		return nil
	}
	v := n.Bool
	return &v
}

// placeholders returns "?,?,?" with n marks.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
