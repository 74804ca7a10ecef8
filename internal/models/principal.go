package models

// Principal identifies who a store call acts for. User principals only see and
// mutate their own rows; the service principal is the elevated credential
// sweeps and workers run under.
type Principal struct {
	UserID  string
	Service string
}

func UserPrincipal(userID string) Principal {
	return Principal{UserID: userID}
}

func ServicePrincipal(name string) Principal {
	if name == "" {
		name = "system"
	}
	return Principal{Service: name}
}

// IsService reports whether the principal bypasses per-user scoping.
func (p Principal) IsService() bool {
	return p.Service != ""
}

// CanAccess reports whether the principal may touch rows owned by userID.
func (p Principal) CanAccess(userID string) bool {
	return p.IsService() || (p.UserID != "" && p.UserID == userID)
}

// Name is the identity recorded in resolved_by / changed_by columns.
func (p Principal) Name() string {
	if p.IsService() {
		return "service:" + p.Service
	}
	return p.UserID
}
