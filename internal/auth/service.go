package auth

import (
	"golang.org/x/crypto/bcrypt"

	"trading-guardian/config"
)

// Service verifies the operator's credentials against the configured admin
// account. The password is stored only as a bcrypt hash.
type Service struct {
	config     config.AuthConfig
	jwtManager *JWTManager
}

func NewService(cfg config.AuthConfig) *Service {
	return &Service{
		config:     cfg,
		jwtManager: NewJWTManager(cfg.JWTSecret, cfg.AccessTokenDuration),
	}
}

// JWTManager exposes the token manager for the HTTP middleware
func (s *Service) JWTManager() *JWTManager {
	return s.jwtManager
}

// Login verifies the admin credentials and issues an access token
func (s *Service) Login(email, password string) (string, error) {
	if email != s.config.AdminEmail {
		return "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(s.config.AdminPasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	return s.jwtManager.GenerateAccessToken(email)
}

// HashPassword produces a bcrypt hash, used by the admin CLI to mint the
// configured hash.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
