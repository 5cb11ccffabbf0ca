package auth

const (
	MethodPassword = "password"
	MethodProvider = "provider"
)

// Credential is what a caller presents to Authenticate: a PasswordCredential or a
// ProviderCredential.
type Credential interface {
	method() string
}

type PasswordCredential struct {
	Identifier string
	Password   string
}

func (PasswordCredential) method() string { return MethodPassword }

// ProviderCredential carries an identity already verified by the ProviderRegistry.
type ProviderCredential struct {
	Identity ProviderIdentity
}

func (ProviderCredential) method() string { return MethodProvider }
