package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedEntry is returned when a durable entry cannot be turned into a
// Session that satisfies the authentication invariant.
var ErrMalformedEntry = errors.New("malformed session entry")

// Session is the login state of one realm.
//
// IsAuthenticated is true iff both User and Token are present. Code that
// sets one of the three must set the others in the same update; use
// NewAuthenticated and WithoutAuth rather than editing fields.
type Session struct {
	User              json.RawMessage
	Token             string
	IsAuthenticated   bool
	LastProtectedPath string
}

// NewAuthenticated returns a session for a logged-in principal.
func NewAuthenticated(user json.RawMessage, token string) Session {
	return Session{User: user, Token: token, IsAuthenticated: true}
}

// Valid reports whether s satisfies the authentication invariant.
func (s Session) Valid() bool {
	return s.IsAuthenticated == (hasUser(s.User) && s.Token != "")
}

// WithoutAuth returns s with the authentication fields removed and the
// remembered path kept.
func (s Session) WithoutAuth() Session {
	return Session{LastProtectedPath: s.LastProtectedPath}
}

// Credentials is what a login surface collects. Identifier is a username or
// an email depending on the realm.
type Credentials struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

// LoginResult is the projection of a successful login response.
type LoginResult struct {
	Token     string
	ExpiresIn int64
	User      json.RawMessage
}

// Entry is the serialized projection of a Session kept in durable storage.
type Entry struct {
	State EntryState `json:"state"`
}

// EntryState mirrors the persisted state object.
type EntryState struct {
	User              json.RawMessage `json:"user"`
	IsAuthenticated   bool            `json:"isAuthenticated"`
	Token             string          `json:"token,omitempty"`
	LastProtectedPath string          `json:"lastProtectedPath,omitempty"`
}

// EncodeEntry serializes s in the realm's storage shape.
func EncodeEntry(d Domain, s Session) ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("encode %s session: %w", d.Realm, ErrMalformedEntry)
	}
	state := EntryState{
		User:              s.User,
		IsAuthenticated:   s.IsAuthenticated,
		LastProtectedPath: s.LastProtectedPath,
	}
	if !hasUser(state.User) {
		state.User = json.RawMessage("null")
	}
	if d.TokenIsSibling() {
		state.Token = s.Token
	}
	data, err := json.Marshal(Entry{State: state})
	if err != nil {
		return nil, fmt.Errorf("encode %s session: %w", d.Realm, err)
	}
	return data, nil
}

// DecodeEntry parses a durable entry. The token is read from the realm's
// TokenPath, so a primary entry finds it inside the user record and a
// telecom entry next to it.
func DecodeEntry(d Domain, data []byte) (Session, error) {
	var raw struct {
		State *json.RawMessage `json:"state"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Session{}, fmt.Errorf("decode %s session: %w", d.Realm, ErrMalformedEntry)
	}
	if raw.State == nil {
		return Session{}, fmt.Errorf("decode %s session: missing state: %w", d.Realm, ErrMalformedEntry)
	}

	var state EntryState
	if err := json.Unmarshal(*raw.State, &state); err != nil {
		return Session{}, fmt.Errorf("decode %s session: %w", d.Realm, ErrMalformedEntry)
	}

	s := Session{LastProtectedPath: state.LastProtectedPath}
	if !state.IsAuthenticated {
		return s, nil
	}

	token, _ := LookupString(*raw.State, d.TokenPath...)
	if !hasUser(state.User) || token == "" {
		return Session{}, fmt.Errorf("decode %s session: authenticated without user or token: %w", d.Realm, ErrMalformedEntry)
	}
	s.User = state.User
	s.Token = token
	s.IsAuthenticated = true
	return s, nil
}

// TokenFromEntry extracts the bearer token from a durable entry without
// validating the rest of it. It returns "" when the entry holds no token.
func TokenFromEntry(d Domain, data []byte) string {
	state, ok := Lookup(data, "state")
	if !ok {
		return ""
	}
	token, _ := LookupString(state, d.TokenPath...)
	return token
}

func hasUser(user json.RawMessage) bool {
	if len(user) == 0 {
		return false
	}
	return string(user) != "null"
}
