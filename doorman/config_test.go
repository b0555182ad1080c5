package doorman

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, DefaultDatabaseType, config.DatabaseType)
	assert.Equal(t, DefaultDatabase, config.Database)
	assert.Equal(t, slog.LevelInfo, config.LogLevel.Level())
	assert.Equal(t, DefaultStartupTimeout, config.StartupTimeout)
	assert.Equal(t, DefaultShutdownTimeout, config.ShutdownTimeout)

	require.NotNil(t, config.Discord)
	assert.Equal(t, DefaultDiscordStatus, config.Discord.Status)
	assert.Equal(t, DefaultDiscordActivity, config.Discord.Activity)
	assert.Equal(t, DefaultDiscordGatewayIntent, config.Discord.GatewayIntents)
	assert.True(t, config.Discord.GreetDirectMessage)

	require.NotNil(t, config.RateLimit)
	assert.Equal(t, DefaultRESTBaseURL, config.RateLimit.BaseURL)
	assert.Equal(t, DefaultRateLimitCleanupInterval, config.RateLimit.CleanupInterval)
	assert.True(t, config.RateLimit.RelativeReset)
	assert.Equal(t, DefaultRateLimitMaxAttempts, config.RateLimit.MaxAttempts)
	assert.Contains(t, config.RateLimit.UserAgent, "DiscordBot")

	require.NotNil(t, config.API)
	assert.True(t, config.API.Enabled)
	assert.Equal(t, DefaultAPIListen, config.API.Listen)
	assert.Equal(t, DefaultCORSMaxAge, config.API.CORS.MaxAge)
}

func TestValidateConfig(t *testing.T) {
	t.Run(
		"missing token", func(t *testing.T) {
			config := DefaultConfig()
			err := structValidator.Struct(config)
			assert.Error(t, err)
		},
	)

	t.Run(
		"valid", func(t *testing.T) {
			config := DefaultConfig()
			config.Discord.Token = "bot-token"
			assert.NoError(t, structValidator.Struct(config))
		},
	)

	t.Run(
		"bad database type", func(t *testing.T) {
			config := DefaultConfig()
			config.Discord.Token = "bot-token"
			config.DatabaseType = "oracle"
			assert.Error(t, structValidator.Struct(config))
		},
	)

	t.Run(
		"bad listen address", func(t *testing.T) {
			config := DefaultConfig()
			config.Discord.Token = "bot-token"
			config.API.Listen = "not-an-address"
			assert.Error(t, structValidator.Struct(config))
		},
	)

	t.Run(
		"zero max attempts", func(t *testing.T) {
			config := DefaultConfig()
			config.Discord.Token = "bot-token"
			config.RateLimit.MaxAttempts = 0
			assert.Error(t, structValidator.Struct(config))
		},
	)
}

func TestCORSGINConfig(t *testing.T) {
	corsConfig := DefaultCORSConfig()
	corsConfig.AllowOrigins = []string{"https://example.com"}

	ginConfig := corsConfig.GINConfig()
	assert.Equal(t, corsConfig.AllowOrigins, ginConfig.AllowOrigins)
	assert.Equal(t, corsConfig.AllowMethods, ginConfig.AllowMethods)
	assert.Equal(t, corsConfig.AllowHeaders, ginConfig.AllowHeaders)
	assert.Equal(t, corsConfig.ExposeHeaders, ginConfig.ExposeHeaders)
	assert.Equal(t, corsConfig.MaxAge, ginConfig.MaxAge)
	assert.Equal(t, corsConfig.AllowCredentials, ginConfig.AllowCredentials)
}
