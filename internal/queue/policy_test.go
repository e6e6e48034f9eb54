package queue_test

import (
	"encoding/json"
	"testing"

	"github.com/kiranshivaraju/etlgate/internal/apperr"
	"github.com/kiranshivaraju/etlgate/internal/queue"
	"github.com/kiranshivaraju/etlgate/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPolicy(t *testing.T) {
	for _, name := range []string{"", "none", "legacy", "current"} {
		p, err := queue.NewPolicy(name)
		require.NoError(t, err, name)
		assert.NotEmpty(t, p.Name())
	}

	_, err := queue.NewPolicy("strict")
	assert.Error(t, err)
}

func TestPassthroughPolicy_KeepsPayload(t *testing.T) {
	p, err := queue.NewPolicy("none")
	require.NoError(t, err)

	in := json.RawMessage(`{"anything":[1,2,3]}`)
	out, err := p.Normalize(models.JobTypeTestConnection, in)
	require.NoError(t, err)
	assert.JSONEq(t, string(in), string(out))
}

func TestLegacyPolicy(t *testing.T) {
	p, err := queue.NewPolicy("legacy")
	require.NoError(t, err)

	tests := []struct {
		name    string
		jobType string
		payload string
		want    string
		wantErr bool
	}{
		{
			name:    "string port coerced",
			jobType: models.JobTypeFetchMetadata,
			payload: `{"connection":{"host":"h","port":"6543","database":"d","username":"u"}}`,
			want:    `{"connection":{"host":"h","port":6543,"database":"d","username":"u","type":"postgres"}}`,
		},
		{
			name:    "explicit type kept",
			jobType: models.JobTypeTestConnection,
			payload: `{"connection":{"host":"h","port":3306,"database":"d","username":"u","type":"mysql"}}`,
			want:    `{"connection":{"host":"h","port":3306,"database":"d","username":"u","type":"mysql"}}`,
		},
		{
			name:    "missing username",
			jobType: models.JobTypeTestConnection,
			payload: `{"connection":{"host":"h","port":5432,"database":"d"}}`,
			wantErr: true,
		},
		{
			name:    "port out of range",
			jobType: models.JobTypeTestConnection,
			payload: `{"connection":{"host":"h","port":70000,"database":"d","username":"u"}}`,
			wantErr: true,
		},
		{
			name:    "comparison needs both sides",
			jobType: models.JobTypeETLComparison,
			payload: `{"source_connection":{"host":"h","port":5432,"database":"d","username":"u"}}`,
			wantErr: true,
		},
		{
			name:    "unknown job type untouched",
			jobType: "custom_step",
			payload: `{"free":"form"}`,
			want:    `{"free":"form"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := p.Normalize(tt.jobType, json.RawMessage(tt.payload))
			if tt.wantErr {
				assert.ErrorIs(t, err, apperr.ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(out))
		})
	}
}

func TestCurrentPolicy(t *testing.T) {
	p, err := queue.NewPolicy("current")
	require.NoError(t, err)

	tests := []struct {
		name    string
		payload string
		want    string
		wantErr bool
	}{
		{
			name:    "dsn only",
			payload: `{"connection":{"type":"Postgres","dsn":"postgres://x"}}`,
			want:    `{"connection":{"type":"postgres","dsn":"postgres://x"}}`,
		},
		{
			name:    "default port filled",
			payload: `{"connection":{"type":"mysql","host":"h","database":"d"}}`,
			want:    `{"connection":{"type":"mysql","host":"h","database":"d","port":3306}}`,
		},
		{
			name:    "missing type",
			payload: `{"connection":{"host":"h","database":"d"}}`,
			wantErr: true,
		},
		{
			name:    "no dsn and no host",
			payload: `{"connection":{"type":"postgres","database":"d"}}`,
			wantErr: true,
		},
		{
			name:    "not an object",
			payload: `[1,2]`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := p.Normalize(models.JobTypeTestConnection, json.RawMessage(tt.payload))
			if tt.wantErr {
				assert.ErrorIs(t, err, apperr.ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(out))
		})
	}
}

func TestConnectionPolicies_KeepUncheckedNumbers(t *testing.T) {
	payload := json.RawMessage(`{"connection":{"host":"h","port":"5432","database":"d","username":"u","type":"postgres","fetch_size":18446744073709551615},` +
		`"row_limit":12345678901234567891,"id":9007199254740993,"ratio":0.1000000000000000055511151231257827}`)

	for _, name := range []string{"legacy", "current"} {
		t.Run(name, func(t *testing.T) {
			p, err := queue.NewPolicy(name)
			require.NoError(t, err)

			out, err := p.Normalize(models.JobTypeTestConnection, payload)
			require.NoError(t, err)

			assert.Contains(t, string(out), `"row_limit":12345678901234567891`)
			assert.Contains(t, string(out), `"id":9007199254740993`)
			assert.Contains(t, string(out), `"ratio":0.1000000000000000055511151231257827`)
			assert.Contains(t, string(out), `"fetch_size":18446744073709551615`)
			assert.Contains(t, string(out), `"port":5432`)
		})
	}
}

func TestConnectionPolicies_RejectNonObjectConnection(t *testing.T) {
	for _, name := range []string{"legacy", "current"} {
		p, err := queue.NewPolicy(name)
		require.NoError(t, err)

		for _, payload := range []string{`{"connection":null}`, `{"connection":"postgres://x"}`, `null`} {
			_, err := p.Normalize(models.JobTypeTestConnection, json.RawMessage(payload))
			assert.ErrorIs(t, err, apperr.ErrValidation, "%s %s", name, payload)
		}
	}
}
