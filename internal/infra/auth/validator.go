package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dima1203oleg/predator-analytics/internal/domain"
)

// clockSkew: допустимое расхождение часов между выдающим сервисом и видом.
const clockSkew = 30 * time.Second

// RS256Validator проверяет операторские токены вида. Принимает только RS256 с exp.
type RS256Validator struct {
	publicKey *rsa.PublicKey
	parser    *jwt.Parser
}

func NewRS256Validator(pub *rsa.PublicKey) *RS256Validator {
	return &RS256Validator{
		publicKey: pub,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(clockSkew),
		),
	}
}

// VerifyToken принимает голый токен, схему Bearer снимает middleware.
func (v *RS256Validator) VerifyToken(raw string) (*domain.CustomClaims, error) {
	if raw == "" {
		return nil, errors.New("empty token")
	}

	claims := &domain.CustomClaims{}
	if _, err := v.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return v.publicKey, nil
	}); err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if claims.UserID == "" {
		return nil, errors.New("invalid token: user_id is missing")
	}
	return claims, nil
}

// ParseRSAPublicKey разбирает PEM с публичным ключом из конфига.
func ParseRSAPublicKey(data []byte) (*rsa.PublicKey, error) {
	if len(data) == 0 {
		return nil, errors.New("public key data is empty")
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return key, nil
}
