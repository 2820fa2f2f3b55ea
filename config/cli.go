package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
)

// Cli holds the runtime configuration for the transcoder. Values are set from
// flags with env-var fallback; ParseLegacyEnv additionally maps the bare env
// names used by older deployments.
type Cli struct {
	HTTPAddress       string
	APIToken          string
	RedisURL          string
	DatabasePath      string
	ScratchDir        string
	MaxConcurrentJobs int

	// Object store (Backblaze B2 via its S3-compatible endpoint)
	ObjectStoreEndpoint string
	ObjectStoreRegion   string
	ObjectStoreKeyID    string
	ObjectStoreAppKey   string
	SourceBucket        string
	OutputBucket        string

	// Callbacks to the upstream web application
	DefaultCallbackURL string
	CallbackToken      string

	NodeEnv string
}

// ParseLegacyEnv maps the bare environment variable names recognized by the
// previous deployment tooling onto the Cli struct. Flag/env values set via the
// flag set take precedence; legacy names only fill in blanks.
func (cli *Cli) ParseLegacyEnv() {
	if port := os.Getenv("PORT"); port != "" && cli.HTTPAddress == "" {
		cli.HTTPAddress = "0.0.0.0:" + port
	}
	setIfEmpty(&cli.RedisURL, "REDIS_URL")
	setIfEmpty(&cli.ScratchDir, "TEMP_UPLOAD_DIR")
	setIfEmpty(&cli.ObjectStoreEndpoint, "B2_ENDPOINT")
	setIfEmpty(&cli.ObjectStoreRegion, "B2_REGION")
	setIfEmpty(&cli.ObjectStoreKeyID, "B2_KEY_ID")
	setIfEmpty(&cli.ObjectStoreAppKey, "B2_APPLICATION_KEY")
	setIfEmpty(&cli.SourceBucket, "B2_SOURCE_BUCKET")
	setIfEmpty(&cli.OutputBucket, "B2_OUTPUT_BUCKET")
	setIfEmpty(&cli.DefaultCallbackURL, "WEBAPP_CALLBACK_URL")
	setIfEmpty(&cli.CallbackToken, "WEBAPP_API_KEY")
	setIfEmpty(&cli.CallbackToken, "CALLBACK_TOKEN")
	setIfEmpty(&cli.APIToken, "API_KEY")
	setIfEmpty(&cli.NodeEnv, "NODE_ENV")
	if v := os.Getenv("MAX_CONCURRENT_JOBS"); v != "" && cli.MaxConcurrentJobs == 0 {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cli.MaxConcurrentJobs = n
		}
	}
}

// Validate checks that everything required to start up is present. Startup
// aborts with a non-zero exit code when it returns an error.
func (cli *Cli) Validate() error {
	if cli.APIToken == "" {
		return fmt.Errorf("missing API token (-api-token or API_KEY)")
	}
	if cli.RedisURL == "" {
		return fmt.Errorf("missing queue backend URL (-redis-url or REDIS_URL)")
	}
	if cli.SourceBucket == "" || cli.OutputBucket == "" {
		return fmt.Errorf("missing bucket configuration (B2_SOURCE_BUCKET / B2_OUTPUT_BUCKET)")
	}
	if cli.DefaultCallbackURL != "" {
		if _, err := url.ParseRequestURI(cli.DefaultCallbackURL); err != nil {
			return fmt.Errorf("invalid default callback URL %q: %w", cli.DefaultCallbackURL, err)
		}
	}
	return nil
}

func setIfEmpty(dest *string, envName string) {
	if *dest == "" {
		*dest = os.Getenv(envName)
	}
}
