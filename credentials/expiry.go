package credentials

import (
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// AccessTokenExpiry extracts the exp claim of a JWT access token without
// verifying it. Opaque tokens and tokens without exp give the zero time.
func AccessTokenExpiry(rawToken string) time.Time {
	if strings.Count(rawToken, ".") != 2 {
		return time.Time{}
	}
	token, _, err := jwtlib.NewParser().ParseUnverified(rawToken, jwtlib.MapClaims{})
	if err != nil {
		return time.Time{}
	}
	exp, err := token.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
