package logfields

import (
	"log/slog"
	"time"
)

// Canonical log field name constants to avoid drift across packages.
const (
	KeyTarget     = "target"
	KeySource     = "source"
	KeyOutput     = "output"
	KeyRoundID    = "round_id"
	KeyPhase      = "phase"
	KeyCount      = "count"
	KeyDurationMS = "duration_ms"
	KeyBuilder    = "builder"
	KeyBackend    = "backend"
	KeyPath       = "path"
	KeyError      = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func Target(id string) slog.Attr    { return slog.String(KeyTarget, id) }
func Source(path string) slog.Attr  { return slog.String(KeySource, path) }
func Output(rel string) slog.Attr   { return slog.String(KeyOutput, rel) }
func RoundID(id string) slog.Attr   { return slog.String(KeyRoundID, id) }
func Phase(name string) slog.Attr   { return slog.String(KeyPhase, name) }
func Count(n int) slog.Attr         { return slog.Int(KeyCount, n) }
func Builder(name string) slog.Attr { return slog.String(KeyBuilder, name) }
func Backend(name string) slog.Attr { return slog.String(KeyBackend, name) }
func Path(p string) slog.Attr       { return slog.String(KeyPath, p) }

// Duration reports d in fractional milliseconds.
func Duration(d time.Duration) slog.Attr {
	return slog.Float64(KeyDurationMS, float64(d.Microseconds())/1000)
}

func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
