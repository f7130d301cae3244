package auth

import (
	"crypto/rsa"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DevIssuer mints RS256 test tokens for the local/docker profiles. It must
// never be constructed in production wiring; config.DevIssuerEnabled gates
// it at boot.
type DevIssuer struct {
	key *rsa.PrivateKey
	ttl time.Duration
}

// NewDevIssuer loads a PKCS#1 or PKCS#8 RSA private key in PEM form.
func NewDevIssuer(privateKeyPath string, ttl time.Duration) (*DevIssuer, error) {
	pemBytes, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read dev private key %s: %w", privateKeyPath, err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("parse dev private key: %w", err)
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &DevIssuer{key: key, ttl: ttl}, nil
}

// Issue signs a token for the given identity. Empty fields fall back to
// dev defaults matching the historical issuer's behavior.
func (d *DevIssuer) Issue(tenantID, examScheduleID, userID string, attemptNo int) (token string, expiresAt time.Time, err error) {
	now := time.Now()
	expiresAt = now.Add(d.ttl)

	if tenantID == "" {
		tenantID = "dev-tenant"
	}
	if examScheduleID == "" {
		examScheduleID = "dev-exam"
	}
	if userID == "" {
		userID = fmt.Sprintf("dev-user-%d", now.UnixMilli())
	}
	if attemptNo <= 0 {
		attemptNo = 1
	}

	t := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"tenant_id":        tenantID,
		"exam_schedule_id": examScheduleID,
		"user_id":          userID,
		"attempt_no":       attemptNo,
		"iat":              now.Unix(),
		"exp":              expiresAt.Unix(),
	})
	token, err = t.SignedString(d.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign dev token: %w", err)
	}
	return token, expiresAt, nil
}
