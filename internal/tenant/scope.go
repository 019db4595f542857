// Package tenant validates tenant identifiers and carries the resolved
// tenant through a request context.
package tenant

import (
	"context"
	"strings"

	"migration-flows/backend/internal/flowerr"
	"migration-flows/backend/pkg/models"

	"github.com/google/uuid"
)

// placeholder strings some callers send instead of omitting the value
var nullish = map[string]bool{
	"none":      true,
	"null":      true,
	"nil":       true,
	"undefined": true,
}

// Resolve validates a raw tenant pair and returns it normalized to
// canonical lowercase UUID strings. Invalid input is always an error; no
// default tenant is ever substituted.
func Resolve(clientAccountID, engagementID string) (models.Tenant, error) {
	client, err := normalizeID("client_account_id", clientAccountID)
	if err != nil {
		return models.Tenant{}, err
	}
	engagement, err := normalizeID("engagement_id", engagementID)
	if err != nil {
		return models.Tenant{}, err
	}
	return models.Tenant{ClientAccountID: client, EngagementID: engagement}, nil
}

// ResolveTenant is Resolve for an already assembled pair.
func ResolveTenant(t models.Tenant) (models.Tenant, error) {
	return Resolve(t.ClientAccountID, t.EngagementID)
}

func normalizeID(field, raw string) (string, error) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return "", flowerr.Validationf(flowerr.CodeInvalidTenant, "%s is required", field)
	}
	if nullish[strings.ToLower(v)] {
		return "", flowerr.Validationf(flowerr.CodeInvalidTenant, "%s must not be %q", field, v)
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return "", flowerr.Validationf(flowerr.CodeInvalidTenant, "%s is not a valid UUID", field)
	}
	if id == uuid.Nil {
		return "", flowerr.Validationf(flowerr.CodeInvalidTenant, "%s must not be the nil UUID", field)
	}
	return id.String(), nil
}

type ctxKey struct{}

// WithTenant stores a resolved tenant in ctx.
func WithTenant(ctx context.Context, t models.Tenant) context.Context {
	return context.WithValue(ctx, ctxKey{}, t)
}

// FromContext returns the tenant stored by WithTenant.
func FromContext(ctx context.Context) (models.Tenant, bool) {
	t, ok := ctx.Value(ctxKey{}).(models.Tenant)
	return t, ok
}
