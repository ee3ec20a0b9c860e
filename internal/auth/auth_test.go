package auth

import (
	"testing"

	"github.com/ButyrinIA/blog/internal/config"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"golang.org/x/crypto/bcrypt"
)

func newTestGuard(t *testing.T) *Guard {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("password123"), bcrypt.MinCost)
	assert.NoError(t, err)
	return NewGuard(config.AuthConfig{
		Secret: "test-secret",
		Admins: []config.Admin{{Email: "editor@example.com", PasswordHash: string(hash)}},
	})
}

func TestAuthorize(t *testing.T) {
	guard := newTestGuard(t)

	assert.True(t, guard.Authorize("editor@example.com"))
	assert.False(t, guard.Authorize("stranger@example.com"), "Email вне списка допуска не должен проходить")
}

func TestLogin(t *testing.T) {
	guard := newTestGuard(t)

	token, err := guard.Login("editor@example.com", "password123")
	assert.NoError(t, err)
	assert.NotEmpty(t, token)

	parsed, err := jwt.Parse(token, func(token *jwt.Token) (interface{}, error) {
		return []byte("test-secret"), nil
	})
	assert.NoError(t, err)
	assert.True(t, parsed.Valid)

	claims, ok := parsed.Claims.(jwt.MapClaims)
	assert.True(t, ok)
	assert.Equal(t, "editor@example.com", claims["user_id"])
}

func TestLogin_Unauthorized(t *testing.T) {
	guard := newTestGuard(t)

	_, err := guard.Login("stranger@example.com", "password123")
	assert.ErrorIs(t, err, ErrUnauthorized, "Вход вне списка допуска должен отклоняться")

	_, err = guard.Login("editor@example.com", "wrong-password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestValidateToken(t *testing.T) {
	guard := newTestGuard(t)

	token, err := guard.Login("editor@example.com", "password123")
	assert.NoError(t, err)

	principal, err := guard.ValidateToken(token)
	assert.NoError(t, err)
	assert.Equal(t, "editor@example.com", principal.Email)
}

func TestValidateToken_Invalid(t *testing.T) {
	guard := newTestGuard(t)

	_, err := guard.ValidateToken("")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = guard.ValidateToken("invalid-token")
	assert.ErrorIs(t, err, ErrUnauthorized)

	// Токен, подписанный другим ключом
	other := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"user_id": "editor@example.com"})
	wrongKeyToken, _ := other.SignedString([]byte("wrong-key"))
	_, err = guard.ValidateToken(wrongKeyToken)
	assert.ErrorIs(t, err, ErrUnauthorized)
}
