package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLegacyEnv(t *testing.T) {
	t.Setenv("PORT", "4000")
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("TEMP_UPLOAD_DIR", "/var/tmp/transcodes")
	t.Setenv("B2_ENDPOINT", "https://s3.eu-central-003.backblazeb2.com")
	t.Setenv("B2_SOURCE_BUCKET", "videos-in")
	t.Setenv("B2_OUTPUT_BUCKET", "videos-out")
	t.Setenv("WEBAPP_CALLBACK_URL", "https://example.com/webhook")
	t.Setenv("API_KEY", "secret")
	t.Setenv("MAX_CONCURRENT_JOBS", "4")

	cli := Cli{}
	cli.ParseLegacyEnv()

	require.Equal(t, "0.0.0.0:4000", cli.HTTPAddress)
	require.Equal(t, "redis://localhost:6379", cli.RedisURL)
	require.Equal(t, "/var/tmp/transcodes", cli.ScratchDir)
	require.Equal(t, "videos-in", cli.SourceBucket)
	require.Equal(t, "videos-out", cli.OutputBucket)
	require.Equal(t, "https://example.com/webhook", cli.DefaultCallbackURL)
	require.Equal(t, "secret", cli.APIToken)
	require.Equal(t, 4, cli.MaxConcurrentJobs)
}

func TestParseLegacyEnvDoesNotOverrideFlags(t *testing.T) {
	t.Setenv("PORT", "4000")
	t.Setenv("REDIS_URL", "redis://legacy:6379")
	t.Setenv("MAX_CONCURRENT_JOBS", "8")

	cli := Cli{
		HTTPAddress:       "127.0.0.1:3000",
		RedisURL:          "redis://flag:6379",
		MaxConcurrentJobs: 2,
	}
	cli.ParseLegacyEnv()

	require.Equal(t, "127.0.0.1:3000", cli.HTTPAddress)
	require.Equal(t, "redis://flag:6379", cli.RedisURL)
	require.Equal(t, 2, cli.MaxConcurrentJobs)
}

func TestCallbackTokenFallback(t *testing.T) {
	t.Setenv("WEBAPP_API_KEY", "webapp-token")
	t.Setenv("CALLBACK_TOKEN", "other-token")

	cli := Cli{}
	cli.ParseLegacyEnv()
	require.Equal(t, "webapp-token", cli.CallbackToken, "WEBAPP_API_KEY wins over CALLBACK_TOKEN")
}

func TestValidate(t *testing.T) {
	valid := Cli{
		APIToken:     "secret",
		RedisURL:     "redis://localhost:6379",
		SourceBucket: "in",
		OutputBucket: "out",
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Cli)
	}{
		{"missing api token", func(c *Cli) { c.APIToken = "" }},
		{"missing redis url", func(c *Cli) { c.RedisURL = "" }},
		{"missing source bucket", func(c *Cli) { c.SourceBucket = "" }},
		{"missing output bucket", func(c *Cli) { c.OutputBucket = "" }},
		{"bad callback url", func(c *Cli) { c.DefaultCallbackURL = "not a url" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cli := valid
			tc.mutate(&cli)
			require.Error(t, cli.Validate())
		})
	}
}
