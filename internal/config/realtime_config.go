package config

import "time"

type RealtimeConfig interface {
	GetReconnectTimeout() time.Duration
	GetReconnectInterval() time.Duration
	GetMaxAuthRejections() int
}

type Realtime struct{}

var _ RealtimeConfig = Realtime{}

// GetReconnectTimeout is how long a binding keeps retrying a dropped
// connection before giving up on the current credential.
func (Realtime) GetReconnectTimeout() time.Duration {
	return GetDuration("REALTIME_RECONNECT_TIMEOUT", 2*time.Minute)
}

func (Realtime) GetReconnectInterval() time.Duration {
	return GetDuration("REALTIME_RECONNECT_INTERVAL", 500*time.Millisecond)
}

func (Realtime) GetMaxAuthRejections() int {
	return GetInt("MAX_AUTH_REJECTIONS", 3)
}
