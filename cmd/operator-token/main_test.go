package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lalithlochan/sfaxportal/internal/auth"
)

func TestOperatorToken_IssuesVerifiableToken(t *testing.T) {
	t.Setenv("OPERATOR_JWT_SECRET", "ops-secret")

	var out bytes.Buffer
	app := newApp()
	app.Writer = &out

	require.NoError(t, app.Run([]string{"operator-token", "--subject", "amal", "--ttl", "1h"}))

	claims, err := auth.NewTokenService("ops-secret").Verify(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "amal", claims.Subject)
	assert.Equal(t, auth.RoleOperator, claims.Role)
}

func TestOperatorToken_RequiresSecret(t *testing.T) {
	t.Setenv("OPERATOR_JWT_SECRET", "")

	app := newApp()
	app.Writer = &bytes.Buffer{}
	assert.Error(t, app.Run([]string{"operator-token", "--subject", "amal"}))
}
