package authkit

import "time"

// ServerConfig configures token lifetimes, the signing key and login throttling.
type ServerConfig struct {
	SigningKey         []byte
	AccessTTL          time.Duration
	RefreshTTL         time.Duration
	LoginRatePerMinute int
}
