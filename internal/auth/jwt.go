package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Roles carried in access tokens.
const (
	RoleAdmin     = "admin"
	RoleStaff     = "staff"
	RoleVolunteer = "volunteer"
	RoleAttendee  = "attendee"
)

// StaffRoles may scan tokens and submit offline batches.
var StaffRoles = []string{RoleAdmin, RoleStaff, RoleVolunteer}

// Claims represents JWT payload. Subject is a staff id for staff-class roles
// and the attendee id for RoleAttendee.
type Claims struct {
	Subject   string `json:"sub"`
	Role      string `json:"role"`
	StationID string `json:"station_id,omitempty"`
	jwt.RegisteredClaims
}

// IsStaff reports whether the role may operate a check-in station.
func (c Claims) IsStaff() bool {
	for _, r := range StaffRoles {
		if c.Role == r {
			return true
		}
	}
	return false
}

// AccessToken is a signed token and its expiry.
type AccessToken struct {
	Token     string
	ExpiresAt time.Time
}

// Issue signs an access token for subject.
func Issue(subject, role, stationID, issuer, key string, ttl time.Duration) (AccessToken, error) {
	if subject == "" || role == "" {
		return AccessToken{}, errors.New("subject and role required")
	}
	now := time.Now()
	exp := now.Add(ttl)
	claims := Claims{
		Subject:   subject,
		Role:      role,
		StationID: stationID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
	if err != nil {
		return AccessToken{}, err
	}
	return AccessToken{Token: signed, ExpiresAt: exp}, nil
}

// Parse validates a token and returns claims.
func Parse(tokenStr, key, issuer string) (Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(key), nil
	})
	if err != nil {
		return Claims{}, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Claims{}, errors.New("invalid token")
	}
	if issuer != "" && claims.Issuer != issuer {
		return Claims{}, errors.New("issuer mismatch")
	}
	return *claims, nil
}
