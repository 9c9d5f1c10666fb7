package common

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/banner"
)

// PrintBanner displays the application banner and the effective settings
func PrintBanner(config *Config, logger arbor.ILogger) {
	banner.PrintSimple("Drover", GetVersion())

	logger.Info().
		Str("version", GetVersion()).
		Str("build", GetBuild()).
		Str("host", config.Server.Host).
		Int("port", config.Server.Port).
		Int("pool_size", config.Pool.Size).
		Str("session_backend", config.Storage.Sessions.Backend).
		Bool("headless", config.Browser.Headless).
		Msg("Drover starting")
}
