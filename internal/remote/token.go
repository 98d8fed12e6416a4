package remote

import (
	"fmt"
	"time"

	syncerr "github.com/alexjbarnes/offsync/internal/errors"
	"github.com/golang-jwt/jwt/v5"
)

// CheckToken rejects a token that is empty or, when it parses as a JWT,
// whose exp claim is already in the past. The signature is not verified;
// only the server can do that. Opaque tokens pass through.
func CheckToken(token string, now time.Time) error {
	if token == "" {
		return syncerr.New(syncerr.KindAuth, "check token", syncerr.ErrMissingToken)
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}

	if !now.Before(exp.Time) {
		return syncerr.New(syncerr.KindAuth, "check token",
			fmt.Errorf("%w: expired at %s", syncerr.ErrInvalidToken, exp.Time.UTC().Format(time.RFC3339)))
	}

	return nil
}
