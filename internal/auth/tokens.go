// Package auth issues and validates the two JWT kinds the API uses: a game
// token for a logged-in user, and a participant token scoped to one run of
// one challenge. The kinds share a signing secret and are told apart by
// issuer, so a participant token can never pass a game-token check.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// GameTokenIssuer marks tokens for the logged-in user surface.
	GameTokenIssuer = "wanderquest-game"
	// ChallengeTokenIssuer marks tokens scoped to a single run.
	ChallengeTokenIssuer = "wanderquest-challenge"

	defaultGameTokenTTL = 2 * time.Hour
	// Participant tokens outlive the challenge window so a run can still be
	// resynchronized right after the end.
	participantTokenGrace = time.Hour
)

var (
	ErrMissingSigningSecret = errors.New("auth: signing secret required")
	ErrMissingToken         = errors.New("auth: token required")
	ErrInvalidToken         = errors.New("auth: invalid token")
	ErrExpiredToken         = errors.New("auth: token expired")
	ErrMissingSubject       = errors.New("auth: subject claim required")
)

// GameClaims is the payload of a logged-in user's token. Subject carries the
// user id; the principal name is the login email.
type GameClaims struct {
	PrincipalName string   `json:"upn"`
	Roles         []string `json:"groups"`
	jwt.RegisteredClaims
}

// ParticipantClaims binds a token to one run: Subject and the principal name
// both carry the participant id, and the challenge and user ids travel as
// private claims.
type ParticipantClaims struct {
	PrincipalName string   `json:"upn"`
	Roles         []string `json:"groups"`
	ChallengeID   string   `json:"clg"`
	UserID        string   `json:"usr"`
	jwt.RegisteredClaims
}

// TokenServiceConfig configures signing and lifetimes.
type TokenServiceConfig struct {
	SigningSecret []byte
	GameTokenTTL  time.Duration
	Clock         func() time.Time
}

// TokenService signs and validates HS256 tokens.
type TokenService struct {
	signingSecret []byte
	gameTokenTTL  time.Duration
	clock         func() time.Time
}

// NewTokenService constructs the token service.
func NewTokenService(cfg TokenServiceConfig) (*TokenService, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningSecret
	}
	ttl := cfg.GameTokenTTL
	if ttl <= 0 {
		ttl = defaultGameTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenService{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		gameTokenTTL:  ttl,
		clock:         clock,
	}, nil
}

// IssueGameToken signs a token for a logged-in user and returns it with its
// lifetime in seconds.
func (s *TokenService) IssueGameToken(userID, email string, roles []string) (string, int64, error) {
	if strings.TrimSpace(userID) == "" {
		return "", 0, ErrMissingSubject
	}
	now := s.clock().UTC()
	expiresAt := now.Add(s.gameTokenTTL)
	claims := GameClaims{
		PrincipalName: email,
		Roles:         roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    GameTokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingSecret)
	if err != nil {
		return "", 0, err
	}
	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// IssueParticipantToken signs a run-scoped token expiring one hour after the
// challenge ends.
func (s *TokenService) IssueParticipantToken(participantID, userID, challengeID string, roles []string, challengeEnd time.Time) (string, int64, error) {
	if strings.TrimSpace(participantID) == "" {
		return "", 0, ErrMissingSubject
	}
	if strings.TrimSpace(challengeID) == "" {
		return "", 0, fmt.Errorf("%w: challenge id required", ErrInvalidToken)
	}
	now := s.clock().UTC()
	expiresAt := challengeEnd.UTC().Add(participantTokenGrace)
	claims := ParticipantClaims{
		PrincipalName: participantID,
		Roles:         roles,
		ChallengeID:   challengeID,
		UserID:        userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   participantID,
			Issuer:    ChallengeTokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingSecret)
	if err != nil {
		return "", 0, err
	}
	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// ValidateGameToken parses and checks a game token.
func (s *TokenService) ValidateGameToken(tokenString string) (GameClaims, error) {
	claims := &GameClaims{}
	if err := s.parse(tokenString, claims, GameTokenIssuer); err != nil {
		return GameClaims{}, err
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return GameClaims{}, ErrMissingSubject
	}
	return *claims, nil
}

// ValidateParticipantToken parses and checks a participant token.
func (s *TokenService) ValidateParticipantToken(tokenString string) (ParticipantClaims, error) {
	claims := &ParticipantClaims{}
	if err := s.parse(tokenString, claims, ChallengeTokenIssuer); err != nil {
		return ParticipantClaims{}, err
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return ParticipantClaims{}, ErrMissingSubject
	}
	if strings.TrimSpace(claims.ChallengeID) == "" {
		return ParticipantClaims{}, ErrInvalidToken
	}
	return *claims, nil
}

func (s *TokenService) parse(tokenString string, claims jwt.Claims, issuer string) error {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return ErrMissingToken
	}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidToken, t.Method.Alg())
			}
			return s.signingSecret, nil
		},
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(s.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrExpiredToken
		}
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return ErrInvalidToken
	}
	return nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", ErrMissingToken
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}
