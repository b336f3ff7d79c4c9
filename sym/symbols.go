// Package sym defines the glyphs spacerjobs uses to mark subsystems in log
// fields and CLI output.
package sym

// Subsystem glyphs.
const (
	Pulse      = "꩜" // job engine: scheduling, dispatch, lifecycle
	PulseOpen  = "✿" // graceful startup
	PulseClose = "❀" // graceful shutdown
	DB         = "⊔" // database/storage layer
	AM         = "≡" // configuration
	Spacer     = "⟶" // remote vision queue traffic
	Alert      = "⚠" // operator notifications
)

// Status glyphs used by CLI tables.
const (
	Pending    = "·"
	InProgress = "▸"
	Success    = "✓"
	Failure    = "✗"
)

var statusGlyphs = map[string]string{
	"pending":     Pending,
	"in_progress": InProgress,
	"success":     Success,
	"failure":     Failure,
}

// ForStatus returns the glyph for a job status string, or "?" when unknown.
func ForStatus(status string) string {
	if g, ok := statusGlyphs[status]; ok {
		return g
	}
	return "?"
}
