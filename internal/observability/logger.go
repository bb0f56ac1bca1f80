package observability

import (
	"os"

	"github.com/LN-Testbed/DSN2026/internal/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger configures the runtime profile and returns the process logger
// tagged with the agent role and host name.
func InitLogger(role, host string) zerolog.Logger {
	logging.ConfigureRuntime()
	if host == "" {
		host, _ = os.Hostname()
	}
	logger := log.Logger.With().Str("role", role).Str("host", host).Logger()
	log.Logger = logger
	return logger
}
