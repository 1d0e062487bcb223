package domain

// Realm names one of the two independent identity realms.
type Realm string

const (
	// RealmPrimary is the administrative console (pests, supplies, equipment, plots).
	RealmPrimary Realm = "primary"
	// RealmTelecom is the telecom consumption module with its own user base.
	RealmTelecom Realm = "telecom"
)

// Domain describes everything that differs between the two realms. The
// session, transport, policy and guard packages are written once against
// this descriptor and instantiated per realm.
type Domain struct {
	Realm Realm

	// StorageKey is the durable key holding the serialized Entry. Keys of
	// different realms must never collide.
	StorageKey string

	// TokenPath locates the bearer token inside the persisted "state"
	// object. A single "token" element means the token is stored as a
	// sibling of the user record.
	TokenPath []string

	// LoginEndpoint is the backend path (relative to the realm base URL)
	// that accepts credentials.
	LoginEndpoint string

	// IdentifierField is the JSON field carrying the login identifier
	// ("username" or "email").
	IdentifierField string

	// ResponseTokenPath, ResponseUserPath and ResponseExpiresPath locate the
	// token, principal and token lifetime inside a successful login
	// response. An empty ResponseUserPath means the whole body is the user.
	ResponseTokenPath   []string
	ResponseUserPath    []string
	ResponseExpiresPath []string

	// LoginRoute is the single unauthenticated entry path of the realm.
	LoginRoute  string
	LogoutRoute string

	// DefaultLanding is where a successful login lands when neither a
	// "from" location nor a remembered path is available.
	DefaultLanding string

	// TracksLastPath makes the guard record the last protected path.
	TracksLastPath bool

	// AsyncGuard makes the guard resolve validity from durable storage
	// instead of the in-memory session, exposing a pending state.
	AsyncGuard bool

	// FallbackLoginError is surfaced when a failed login carries no
	// readable detail.
	FallbackLoginError string
}

// TokenIsSibling reports whether the token is persisted next to the user
// record rather than inside it.
func (d Domain) TokenIsSibling() bool {
	return len(d.TokenPath) == 1 && d.TokenPath[0] == "token"
}

// PrimaryDomain returns the descriptor for the administrative console.
func PrimaryDomain() Domain {
	return Domain{
		Realm:              RealmPrimary,
		StorageKey:         "auth-storage",
		TokenPath:          []string{"user", "auth", "access_Token"},
		LoginEndpoint:      "/auth/login",
		IdentifierField:    "username",
		ResponseTokenPath:  []string{"auth", "access_Token"},
		LoginRoute:         "/login",
		LogoutRoute:        "/logout",
		DefaultLanding:     "/dashboard",
		TracksLastPath:     true,
		FallbackLoginError: "Error de conexión",
	}
}

// TelecomDomain returns the descriptor for the telecom consumption module.
func TelecomDomain() Domain {
	return Domain{
		Realm:               RealmTelecom,
		StorageKey:          "telcox-auth-storage",
		TokenPath:           []string{"token"},
		LoginEndpoint:       "/auth/login",
		IdentifierField:     "email",
		ResponseTokenPath:   []string{"access_token"},
		ResponseUserPath:    []string{"user"},
		ResponseExpiresPath: []string{"expires_in"},
		LoginRoute:          "/telcox/login",
		LogoutRoute:         "/telcox/logout",
		DefaultLanding:      "/consumo",
		AsyncGuard:          true,
		FallbackLoginError:  "Error en el inicio de sesión",
	}
}
