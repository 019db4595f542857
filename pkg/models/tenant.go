package models

// Tenant scopes every flow record. Both identifiers are canonical lowercase
// UUID strings once they have passed the tenant guard.
type Tenant struct {
	ClientAccountID string `json:"client_account_id"`
	EngagementID    string `json:"engagement_id"`
}

// Equal reports whether two tenants refer to the same scope.
func (t Tenant) Equal(other Tenant) bool {
	return t.ClientAccountID == other.ClientAccountID && t.EngagementID == other.EngagementID
}

func (t Tenant) String() string {
	return t.ClientAccountID + "/" + t.EngagementID
}
