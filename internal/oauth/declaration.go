package oauth

// Declaration defines the token endpoint contract for a provider.
type Declaration struct {
	Provider string
	TokenURL string
	Scope    string
	// StatePath is optional. When set it must be absolute and the refresh
	// state is written there after every successful grant.
	StatePath string
}
