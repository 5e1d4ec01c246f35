package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// Claims represents the exam-session JWT payload.
type Claims struct {
	AttemptID string `json:"attempt_id"`
	ClassID   string `json:"class_id"`
	ExamID    string `json:"exam_id,omitempty"`
	Role      string `json:"role"`
	jwt.RegisteredClaims
}

// Session is a signed token handed to a student after a successful face login.
type Session struct {
	Token     string
	ExpiresAt time.Time
}

// Issuer signs and validates exam-session tokens with HS256.
type Issuer struct {
	Name string
	Key  string
	TTL  time.Duration
	Now  func() time.Time
}

// NewIssuer creates an issuer; ttl defaults to 3 hours.
func NewIssuer(name, key string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = 3 * time.Hour
	}
	return &Issuer{Name: name, Key: key, TTL: ttl, Now: time.Now}
}

// Issue signs a token for the attempt. The student id is the JWT subject.
func (i *Issuer) Issue(studentID, attemptID, classID, examID string) (Session, error) {
	now := i.Now()
	exp := now.Add(i.TTL)
	claims := Claims{
		AttemptID: attemptID,
		ClassID:   classID,
		ExamID:    examID,
		Role:      "student",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.Name,
			Subject:   studentID,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(i.Key))
	if err != nil {
		return Session{}, errors.Wrap(err, "sign session token")
	}
	return Session{Token: token, ExpiresAt: exp}, nil
}

// Parse validates a token and returns claims.
func (i *Issuer) Parse(tokenStr string) (Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(i.Key), nil
	}, jwt.WithTimeFunc(i.Now))
	if err != nil {
		return Claims{}, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Claims{}, errors.New("invalid token")
	}
	if i.Name != "" && claims.Issuer != i.Name {
		return Claims{}, errors.New("issuer mismatch")
	}
	return *claims, nil
}
