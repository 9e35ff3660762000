package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	smcperrors "github.com/tombee/smcp/pkg/errors"
)

func TestSecurityContextValidate(t *testing.T) {
	tests := []struct {
		name    string
		sc      SecurityContext
		wantErr string
	}{
		{name: "valid", sc: *scenarioContext()},
		{name: "missing name", sc: SecurityContext{}, wantErr: "name"},
		{
			name:    "bad deny pattern",
			sc:      SecurityContext{Name: "x", DenyList: []string{"fs.[x"}},
			wantErr: "deny_list[0]",
		},
		{
			name:    "empty tool pattern",
			sc:      SecurityContext{Name: "x", Capabilities: []Capability{{}}},
			wantErr: "capabilities[0]",
		},
		{
			name: "zero rate limit",
			sc: SecurityContext{Name: "x", Capabilities: []Capability{
				{ToolPattern: "*", RateLimit: &RateLimit{Calls: 0, PerSeconds: 1}},
			}},
			wantErr: "capabilities[0]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.sc.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			var verr *smcperrors.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, verr.Field, tt.wantErr)
		})
	}
}

func TestSecurityContextCloneIsDeep(t *testing.T) {
	sc := &SecurityContext{
		Name:     "orig",
		DenyList: []string{"fs.delete"},
		Capabilities: []Capability{
			{ToolPattern: "fs.*", PathAllowlist: []string{"/workspace"}, RateLimit: &RateLimit{Calls: 1, PerSeconds: 1}},
		},
	}
	clone := sc.Clone()

	sc.DenyList[0] = "changed"
	sc.Capabilities[0].PathAllowlist[0] = "/"
	sc.Capabilities[0].RateLimit.Calls = 99

	assert.Equal(t, "fs.delete", clone.DenyList[0])
	assert.Equal(t, "/workspace", clone.Capabilities[0].PathAllowlist[0])
	assert.Equal(t, uint32(1), clone.Capabilities[0].RateLimit.Calls)
}

func TestSecurityContextTouch(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sc := scenarioContext()
	sc.Touch(nil, t0)
	assert.Equal(t, uint64(1), sc.Metadata.Version)
	assert.Equal(t, t0, sc.Metadata.CreatedAt)

	next := sc.Clone()
	next.Touch(sc, t0.Add(time.Hour))
	assert.Equal(t, uint64(2), next.Metadata.Version)
	assert.Equal(t, t0, next.Metadata.CreatedAt)
	assert.Equal(t, t0.Add(time.Hour), next.Metadata.UpdatedAt)
}

func TestViolationIsMatchesKind(t *testing.T) {
	err := error(&Violation{Kind: KindSessionExpired, Reason: "exp passed"})
	assert.ErrorIs(t, err, &Violation{Kind: KindSessionExpired})
	assert.NotErrorIs(t, err, &Violation{Kind: KindSessionRevoked})
	assert.Equal(t, CategorySession, KindSessionExpired.Category())
	assert.Equal(t, CategoryAuthorization, KindRateLimitExceeded.Category())
	assert.Equal(t, "rate_limit_exceeded", KindRateLimitExceeded.String())
}
