package engine

import "errors"

var (
	ErrStopped  = errors.New("dispatcher stopped")
	ErrCapacity = errors.New("dispatcher at capacity")
	ErrOverlap  = errors.New("region already running")
)

// SkipReason maps a Submit error to the reason label used for skipped ticks.
// Unknown errors map to "error".
func SkipReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCapacity):
		return "capacity"
	case errors.Is(err, ErrOverlap):
		return "overlap"
	case errors.Is(err, ErrStopped):
		return "stopped"
	default:
		return "error"
	}
}
