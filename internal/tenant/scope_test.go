package tenant

import (
	"context"
	"testing"

	"migration-flows/backend/internal/flowerr"
	"migration-flows/backend/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	client     = "11111111-1111-1111-1111-111111111111"
	engagement = "22222222-2222-2222-2222-222222222222"
)

func TestResolve_Normalizes(t *testing.T) {
	got, err := Resolve("  "+client+" ", "{22222222-2222-2222-2222-222222222222}")
	require.NoError(t, err)
	assert.Equal(t, models.Tenant{ClientAccountID: client, EngagementID: engagement}, got)

	upper, err := Resolve("AAAAAAAA-BBBB-CCCC-DDDD-EEEEEEEEEEEE", engagement)
	require.NoError(t, err)
	assert.Equal(t, "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee", upper.ClientAccountID)
}

func TestResolve_RejectsInvalid(t *testing.T) {
	cases := map[string][2]string{
		"empty client":       {"", engagement},
		"blank engagement":   {client, "   "},
		"None as string":     {"None", engagement},
		"null as string":     {client, "null"},
		"malformed uuid":     {"1234", engagement},
		"nil uuid":           {"00000000-0000-0000-0000-000000000000", engagement},
		"demo-style literal": {"demo-client", "demo-engagement"},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			got, err := Resolve(in[0], in[1])
			require.Error(t, err)
			assert.True(t, flowerr.IsCategory(err, flowerr.CatValidation))
			assert.Equal(t, models.Tenant{}, got)
		})
	}
}

func TestContextRoundTrip(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)

	want := models.Tenant{ClientAccountID: client, EngagementID: engagement}
	got, ok := FromContext(WithTenant(context.Background(), want))
	assert.True(t, ok)
	assert.Equal(t, want, got)
}
