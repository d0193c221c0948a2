package config

import (
	"strconv"
	"time"
)

// RegistrationSentinel is the message the backend answers a successful
// registration with.
const RegistrationSentinel = "Đăng ký thành công!"

type SessionConfig interface {
	GetRequestTimeout() time.Duration
	GetRefreshTimeout() time.Duration
	GetRegistrationSentinel() string
}

type Session struct{}

var _ SessionConfig = Session{}

func (Session) GetRequestTimeout() time.Duration {
	return GetDuration("REQUEST_TIMEOUT", 15*time.Second)
}

// GetRefreshTimeout bounds a single renewal call, independent of the
// callers waiting on it.
func (Session) GetRefreshTimeout() time.Duration {
	return GetDuration("REFRESH_TIMEOUT", 10*time.Second)
}

func (Session) GetRegistrationSentinel() string {
	return GetEnv("REGISTRATION_SENTINEL", RegistrationSentinel)
}

// GetDuration parses a time.Duration env var ("30s", "2m").
func GetDuration(envVar string, defaultValue time.Duration) time.Duration {
	d, err := time.ParseDuration(GetEnv(envVar, ""))
	if err != nil || d <= 0 {
		return defaultValue
	}
	return d
}

func GetInt(envVar string, defaultValue int) int {
	n, err := strconv.Atoi(GetEnv(envVar, ""))
	if err != nil || n <= 0 {
		return defaultValue
	}
	return n
}
