package security

import (
	"errors"
	"strings"
	"time"

	"github.com/baechuer/real-time-ressys/services/registration-service/internal/domain"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrTokenInvalid = errors.New("token invalid")
	ErrTokenExpired = errors.New("token expired")
)

// TokenVerifier is what the HTTP layer needs from an access-token verifier.
type TokenVerifier interface {
	VerifyAccessToken(token string) (TokenClaims, error)
}

type TokenClaims struct {
	UserID string
	Role   string
	Ver    int64
	Exp    time.Time
	Issuer string
}

// Session converts verified claims into the tracker's auth context.
func (c TokenClaims) Session() (domain.Session, error) {
	id, err := uuid.Parse(strings.TrimSpace(c.UserID))
	if err != nil || id == uuid.Nil {
		return domain.Anonymous(), ErrTokenInvalid
	}
	return domain.UserSession(id, c.Role), nil
}

type HS256Verifier struct {
	secret []byte
}

func NewHS256Verifier(secret string) *HS256Verifier {
	return &HS256Verifier{secret: []byte(secret)}
}

type accessClaims struct {
	UserID string `json:"uid"`
	Role   string `json:"role"`
	Ver    int64  `json:"ver"`
	jwt.RegisteredClaims
}

func (v *HS256Verifier) VerifyAccessToken(token string) (TokenClaims, error) {
	parsed, err := jwt.ParseWithClaims(token, &accessClaims{}, func(t *jwt.Token) (any, error) {
		// reject alg confusion before handing out the key
		if t.Method == nil || t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, ErrTokenInvalid
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return TokenClaims{}, ErrTokenExpired
		}
		return TokenClaims{}, ErrTokenInvalid
	}

	claims, ok := parsed.Claims.(*accessClaims)
	if !ok || !parsed.Valid {
		return TokenClaims{}, ErrTokenInvalid
	}

	uid := claims.UserID
	if uid == "" {
		uid = claims.Subject
	}
	var exp time.Time
	if claims.ExpiresAt != nil {
		exp = claims.ExpiresAt.Time
	}
	return TokenClaims{
		UserID: uid,
		Role:   claims.Role,
		Ver:    claims.Ver,
		Exp:    exp,
		Issuer: claims.Issuer,
	}, nil
}
