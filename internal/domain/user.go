package domain

import "encoding/json"

// Principal is a display projection of the opaque user record. The core
// never depends on it; the console uses it to greet the operator.
type Principal struct {
	Name        string `json:"name,omitempty"`
	Identifier  string `json:"identifier,omitempty"`
	Role        string `json:"role,omitempty"`
	Tenant      string `json:"tenant,omitempty"`
	Environment string `json:"environment,omitempty"`
}

// PrincipalOf extracts the display fields both realms are known to send.
// Unknown shapes yield a zero Principal.
func PrincipalOf(user json.RawMessage) Principal {
	if !hasUser(user) {
		return Principal{}
	}
	first := func(paths ...string) string {
		for _, p := range paths {
			if v, ok := LookupString(user, p); ok && v != "" {
				return v
			}
		}
		return ""
	}
	return Principal{
		Name:        first("fullName", "nombre"),
		Identifier:  first("username", "email"),
		Role:        first("role", "plan_actual"),
		Tenant:      first("hacienda"),
		Environment: first("env"),
	}
}

// PublicUser returns user without the credential subtree, for realms that
// keep the token inside the user record.
func PublicUser(d Domain, user json.RawMessage) json.RawMessage {
	if !hasUser(user) || len(d.TokenPath) < 3 || d.TokenPath[0] != "user" {
		return user
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(user, &obj); err != nil {
		return nil
	}
	delete(obj, d.TokenPath[1])
	out, err := json.Marshal(obj)
	if err != nil {
		return nil
	}
	return out
}
