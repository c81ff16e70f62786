package store

import "strings"

// DetectDSNType classifies a connection string as "postgres" or "sqlite".
// PostgreSQL DSNs come as URLs (postgres://) or key=value strings; anything
// else is treated as a SQLite file path.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(dsn)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return "postgres"
	}
	for _, key := range []string{"host=", "user=", "dbname=", "sslmode="} {
		if strings.Contains(lower, key) {
			return "postgres"
		}
	}
	return "sqlite"
}

// NewStore opens the backend matching the DSN: empty DSNs get the in-memory
// store, PostgreSQL DSNs the postgres store, everything else SQLite.
func NewStore(dsn string) (Store, error) {
	if dsn == "" {
		return NewInMemoryStore(), nil
	}
	if DetectDSNType(dsn) == "postgres" {
		return NewPostgresStore(WithDSN(dsn))
	}
	return NewSQLiteStore(WithDSN(dsn))
}
