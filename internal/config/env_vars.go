package config

import (
	"os"
	"path/filepath"
)

const (
	appNameVar        = "APP_NAME"
	logLevelVar       = "LOG_LEVEL"
	apiURLVar         = "API_URL"
	realtimeURLVar    = "REALTIME_URL"
	credentialFileVar = "CREDENTIAL_FILE"
	credentialKeyVar  = "CREDENTIAL_KEY"
)

type EnvVars struct{}

var _ EnvConfig = EnvVars{}

func (EnvVars) GetAppName() string {
	return GetEnv(appNameVar, "Storefront")
}

func (EnvVars) GetEnv() string {
	env := os.Getenv("ENV")
	if env == "" {
		return "DEV"
	}
	return env
}

func (EnvVars) GetLogLevel() string {
	return GetEnv(logLevelVar, "info")
}

// GetAPIURL returns the base URL every auth and business endpoint is joined to
// (e.g. "https://shop.example.com/api").
func (EnvVars) GetAPIURL() string {
	return GetEnv(apiURLVar, "http://localhost:5000/api")
}

// GetRealtimeURL returns the websocket endpoint of the realtime channel.
func (EnvVars) GetRealtimeURL() string {
	return GetEnv(realtimeURLVar, "ws://localhost:5000/ws")
}

func (EnvVars) GetCredentialFile() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return GetEnv(credentialFileVar, filepath.Join(dir, "storefront", "session.json"))
	}
	return GetEnv(credentialFileVar, ".storefront-session.json")
}

// GetCredentialKey returns the hex encoded 32 byte key used to seal the
// credential file. Empty means the file is stored unsealed.
func (EnvVars) GetCredentialKey() string {
	return GetEnv(credentialKeyVar, "")
}

func GetEnv(envVar, defaultValue string) string {
	value := os.Getenv(envVar)
	if value == "" {
		return defaultValue
	}
	return value
}
