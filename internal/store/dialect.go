package store

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

type dialect struct {
	name    string
	driver  string
	pragmas []string
	// claimLock is appended to the job-claim subquery.
	claimLock string
}

var (
	sqliteDialect = dialect{
		name:   "sqlite",
		driver: "sqlite",
		pragmas: []string{
			"PRAGMA journal_mode=WAL;",
			"PRAGMA foreign_keys=ON;",
			"PRAGMA busy_timeout=5000;",
			"PRAGMA synchronous=NORMAL;",
		},
	}
	postgresDialect = dialect{
		name:      "postgres",
		driver:    "postgres",
		claimLock: " FOR UPDATE SKIP LOCKED",
	}
)

func parseURL(raw string) (dialect, string, error) {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return dialect{}, "", fmt.Errorf("store url %q: missing scheme", raw)
	}
	switch scheme {
	case "sqlite", "sqlite3", "file":
		if rest == "" {
			return dialect{}, "", fmt.Errorf("store url %q: missing database path", raw)
		}
		// Pragmas in the DSN apply to every pooled connection.
		q := url.Values{}
		q.Add("_pragma", "busy_timeout(5000)")
		q.Add("_pragma", "journal_mode(WAL)")
		q.Add("_pragma", "foreign_keys(1)")
		return sqliteDialect, "file:" + rest + "?" + q.Encode(), nil
	case "postgres", "postgresql":
		return postgresDialect, raw, nil
	default:
		return dialect{}, "", fmt.Errorf("store url %q: unsupported scheme %q", raw, scheme)
	}
}

// rebind converts ? placeholders to $n for postgres.
func (d dialect) rebind(query string) string {
	if d.name != "postgres" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
