package notify

import "tradegate/internal/domain"

// Router picks the supervisor responsible for a requester.
type Router struct {
	Default string
	ByUser  map[string]string
	ByRole  map[domain.Role]string
}

// NewRouter builds a Router from config maps. Role keys that are not known
// roles are ignored.
func NewRouter(def string, byUser, byRole map[string]string) *Router {
	r := &Router{Default: def, ByUser: byUser, ByRole: make(map[domain.Role]string)}
	for k, v := range byRole {
		if role, ok := domain.ParseRole(k); ok {
			r.ByRole[role] = v
		}
	}
	return r
}

// Resolve returns the supervisor for req: the requester's own supervisor,
// then a per-user mapping, then the first role mapping in role order, then
// the default. Returns "" if nothing matches.
func (r *Router) Resolve(req domain.Requester) string {
	if req.SupervisorID != "" {
		return req.SupervisorID
	}
	if r == nil {
		return ""
	}
	if s, ok := r.ByUser[req.ID]; ok && s != "" {
		return s
	}
	for _, role := range req.Roles {
		if s, ok := r.ByRole[role]; ok && s != "" {
			return s
		}
	}
	return r.Default
}
