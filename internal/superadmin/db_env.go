package superadmin

import (
	"errors"
	"os"
)

// The console runs against the same database as the server but under its
// own explicitly-set DSN, so pointing an operator tool at production is
// always a deliberate act.
func dbDSNFromEnv() (string, error) {
	if v := os.Getenv("SUPERADMIN_DATABASE_URL"); v != "" {
		return v, nil
	}
	return "", errors.New("superadmin: SUPERADMIN_DATABASE_URL is required")
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
