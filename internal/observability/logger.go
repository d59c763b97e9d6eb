package observability

import (
	"github.com/danmuck/ctxbus/internal/logging"
	"github.com/rs/zerolog"
)

// ComponentLogger derives a structured logger for one daemon component from
// the process logger.
func ComponentLogger(component string) zerolog.Logger {
	return logging.L().With().Str("component", component).Logger()
}
