package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/ButyrinIA/blog/internal/config"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

const tokenTTL = 24 * time.Hour

// Principal - аутентифицированный редактор. Наличие principal - единственное,
// что проверяется на мутациях; членство в списке допуска проверяется один раз
// при входе.
type Principal struct {
	Email string
}

// Guard - граница сессий и авторизации: список допуска + JWT-токены.
type Guard struct {
	secret []byte
	admins map[string]string
}

func NewGuard(cfg config.AuthConfig) *Guard {
	secret := cfg.Secret
	if secret == "" {
		secret = "your-secret-key"
	}
	admins := make(map[string]string, len(cfg.Admins))
	for _, a := range cfg.Admins {
		admins[a.Email] = a.PasswordHash
	}
	return &Guard{secret: []byte(secret), admins: admins}
}

// Authorize - проверка членства в списке допуска. Выполняется при входе,
// не на каждой мутации.
func (g *Guard) Authorize(email string) bool {
	_, ok := g.admins[email]
	return ok
}

// Login проверяет учетные данные по списку допуска и выдает токен сессии.
func (g *Guard) Login(email, password string) (string, error) {
	if !g.Authorize(email) {
		return "", ErrUnauthorized
	}
	if err := bcrypt.CompareHashAndPassword([]byte(g.admins[email]), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	return g.generateToken(email)
}

func (g *Guard) generateToken(email string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": email,
		"exp":     time.Now().Add(tokenTTL).Unix(),
	})
	signed, err := token.SignedString(g.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken возвращает principal для действительного токена сессии.
func (g *Guard) ValidateToken(tokenString string) (*Principal, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("%w: пустой токен", ErrUnauthorized)
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return g.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}
	email, ok := claims["user_id"].(string)
	if !ok || email == "" {
		return nil, ErrUnauthorized
	}
	return &Principal{Email: email}, nil
}
