package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/etlgate/internal/api/middleware"
	"github.com/kiranshivaraju/etlgate/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestTokenIssue(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	secret := "cli-test-secret-0123456789"

	out, err := execute(t, "token", "issue", "--subject", "alice@example.com", "--jwt-secret", secret, "--ttl", "1h")
	require.NoError(t, err)

	sub, err := mw.ParseUserToken(strings.TrimSpace(out), []byte(secret))
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", sub)
}

func TestTokenIssue_SecretFromEnv(t *testing.T) {
	t.Setenv("JWT_SECRET", "env-secret-0123456789abcdef")

	out, err := execute(t, "token", "issue", "--subject", "bob")
	require.NoError(t, err)

	sub, err := mw.ParseUserToken(strings.TrimSpace(out), []byte("env-secret-0123456789abcdef"))
	require.NoError(t, err)
	assert.Equal(t, "bob", sub)
}

func TestTokenIssue_Errors(t *testing.T) {
	t.Setenv("JWT_SECRET", "")

	_, err := execute(t, "token", "issue", "--jwt-secret", "s")
	assert.ErrorContains(t, err, "--subject is required")

	_, err = execute(t, "token", "issue", "--subject", "bob")
	assert.ErrorContains(t, err, "JWT secret is required")
}

func TestCommandsNeedDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	for _, args := range [][]string{
		{"migrate"},
		{"project", "create", "--name", "p"},
		{"agent", "list"},
		{"agent", "register", "--project", uuid.NewString(), "--name", "a"},
		{"reap"},
	} {
		_, err := execute(t, args...)
		assert.ErrorContains(t, err, "database URL is required", "%v", args)
	}
}

func TestArgumentValidation(t *testing.T) {
	_, err := execute(t, "project", "create")
	assert.ErrorContains(t, err, "--name is required")

	_, err = execute(t, "agent", "register", "--project", "nope", "--name", "a")
	assert.ErrorContains(t, err, "--project must be a project id")

	_, err = execute(t, "agent", "list", "--project", "nope")
	assert.ErrorContains(t, err, "--project must be a project id")
}

func TestRenderAgents_Table(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seen := now.Add(-90 * time.Second)
	capacity := 4
	list := []*models.Agent{
		{ID: uuid.New(), Name: "runner-a", Type: "generic", Status: models.AgentStatusBusy, RunningJobs: 2, Capacity: &capacity, LastHeartbeat: &seen},
		{ID: uuid.New(), Name: "runner-b", Type: "generic", Status: models.AgentStatusOffline},
	}

	var out bytes.Buffer
	require.NoError(t, renderAgents(&out, list, now, false))

	text := out.String()
	assert.Contains(t, text, "LAST HEARTBEAT")
	assert.Contains(t, text, "runner-a")
	assert.Contains(t, text, "busy")
	assert.Contains(t, text, "1m30s ago")
	assert.Contains(t, text, "never")
}

func TestRenderAgents_JSON(t *testing.T) {
	list := []*models.Agent{{ID: uuid.New(), Name: "runner-a", KeyHash: "secret-hash", Status: models.AgentStatusOnline}}

	var out bytes.Buffer
	require.NoError(t, renderAgents(&out, list, time.Now(), true))

	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
	require.Len(t, decoded, 1)
	assert.Equal(t, "online", decoded[0]["status"])
	assert.NotContains(t, out.String(), "secret-hash")
}
