package config

import (
	"log/slog"

	"github.com/joho/godotenv"
)

// envFiles are tried in order. Earlier files win because godotenv never
// overrides variables that are already set.
var envFiles = []string{".env.local", ".env"}

func loadEnvFiles() {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err == nil {
			slog.Debug("Loaded environment file", slog.String("path", f))
		}
	}
}
