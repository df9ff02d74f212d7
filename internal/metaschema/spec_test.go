package metaschema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func compileSpec(t *testing.T, raw string) *Spec {
	t.Helper()
	var s Spec
	require.NoError(t, yaml.Unmarshal([]byte(raw), &s))
	require.NoError(t, s.Compile())
	return &s
}

func TestSpec_ShorthandAndLongForm(t *testing.T) {
	s := compileSpec(t, `
event_type: payment_failed
fields:
  account_id: string!
  retryable: bool
  amount:
    type: number!
    min: 0
  currency:
    type: string
    pattern: "^[A-Z]{3}$"
`)

	require.True(t, s.Fields["account_id"].Required)
	assert.Equal(t, "string", s.Fields["account_id"].Type)
	assert.Equal(t, "boolean", s.Fields["retryable"].Type)
	assert.True(t, s.Fields["amount"].Required)
	assert.Equal(t, "number", s.Fields["amount"].Type)
}

func TestSpec_UnsupportedTypeRejected(t *testing.T) {
	var s Spec
	err := yaml.Unmarshal([]byte(`
event_type: user_login
fields:
  at: timestamp
`), &s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timestamp")
}

func TestSpec_CompileRejectsBadPattern(t *testing.T) {
	var s Spec
	require.NoError(t, yaml.Unmarshal([]byte(`
event_type: user_login
fields:
  code:
    type: string
    pattern: "["
`), &s))
	assert.Error(t, s.Compile())
}

func TestValidatePayload(t *testing.T) {
	s := compileSpec(t, `
event_type: payment_failed
strict_mode: true
fields:
  account_id: string!
  amount:
    type: number
    min: 0
    max: 100000
  currency:
    type: string
    pattern: "^[A-Z]{3}$"
  reason:
    type: string
    enum: [card_declined, insufficient_funds]
`)

	tests := []struct {
		name    string
		payload map[string]interface{}
		wantErr string
	}{
		{
			name:    "valid payload",
			payload: map[string]interface{}{"account_id": "acct-1", "amount": 49.99, "currency": "USD"},
		},
		{
			name:    "missing required field",
			payload: map[string]interface{}{"amount": 10.0},
			wantErr: `"account_id" is required`,
		},
		{
			name:    "wrong type",
			payload: map[string]interface{}{"account_id": 7},
			wantErr: "expected string",
		},
		{
			name:    "below min",
			payload: map[string]interface{}{"account_id": "acct-1", "amount": -5.0},
			wantErr: "below min",
		},
		{
			name:    "pattern mismatch",
			payload: map[string]interface{}{"account_id": "acct-1", "currency": "usd"},
			wantErr: "pattern",
		},
		{
			name:    "outside enum",
			payload: map[string]interface{}{"account_id": "acct-1", "reason": "gremlins"},
			wantErr: "not in enum",
		},
		{
			name:    "undeclared field in strict mode",
			payload: map[string]interface{}{"account_id": "acct-1", "extra": true},
			wantErr: "strict mode",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.ValidatePayload(tt.payload)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidatePayload_IntegerCountsAsNumber(t *testing.T) {
	s := compileSpec(t, `
event_type: seat_change
fields:
  seats: int!
`)
	assert.NoError(t, s.ValidatePayload(map[string]interface{}{"seats": 12}))
	assert.NoError(t, s.ValidatePayload(map[string]interface{}{"seats": float64(12)}))
	assert.Error(t, s.ValidatePayload(map[string]interface{}{"seats": "12"}))
}
