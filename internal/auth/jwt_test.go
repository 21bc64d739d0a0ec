package auth

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/storechat/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-key"

func TestGenerateAndParseToken(t *testing.T) {
	identity := uuid.New()

	token, err := GenerateToken(identity, models.RoleAgent, "Sam Ortiz", "sam@example.com", testSecret, time.Hour)
	require.NoError(t, err)

	claims, err := ParseToken(token, testSecret)
	require.NoError(t, err)
	assert.Equal(t, identity, claims.IdentityID)
	assert.Equal(t, models.RoleAgent, claims.Role)
	assert.Equal(t, "Sam Ortiz", claims.Name)
	assert.Equal(t, "storechat", claims.Issuer)
}

func TestParseTokenRejectsWrongSecret(t *testing.T) {
	token, err := GenerateToken(uuid.New(), models.RoleCustomer, "", "", testSecret, time.Hour)
	require.NoError(t, err)

	_, err = ParseToken(token, "a-different-secret")
	assert.Error(t, err)
}

func TestParseTokenRejectsExpired(t *testing.T) {
	token, err := GenerateToken(uuid.New(), models.RoleCustomer, "", "", testSecret, -time.Minute)
	require.NoError(t, err)

	_, err = ParseToken(token, testSecret)
	assert.Error(t, err)
}

func TestParseTokenRejectsUnknownRole(t *testing.T) {
	token, err := GenerateToken(uuid.New(), models.Role("admin"), "", "", testSecret, time.Hour)
	require.NoError(t, err)

	_, err = ParseToken(token, testSecret)
	assert.ErrorContains(t, err, "unknown role")
}

func TestParseTokenRejectsGarbage(t *testing.T) {
	_, err := ParseToken("not.a.token", testSecret)
	assert.Error(t, err)
}
