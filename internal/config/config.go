package config

type Config interface {
	EnvConfig
	SessionConfig
	RealtimeConfig
}

type EnvConfig interface {
	GetAppName() string
	GetEnv() string
	GetLogLevel() string
	GetAPIURL() string
	GetRealtimeURL() string
	GetCredentialFile() string
	GetCredentialKey() string
}

type mainConfig struct {
	EnvVars
	Session
	Realtime
}

func New() Config {
	return mainConfig{}
}
