package crypto

// Provider bundles password hashing and token encryption under a fixed key.
type Provider struct {
	tokenKey string
}

// NewProvider returns a Provider encrypting tokens with tokenKey.
func NewProvider(tokenKey string) Provider {
	return Provider{tokenKey: tokenKey}
}

// HashPassword hashes a plaintext password.
func (p Provider) HashPassword(plain string) ([]byte, error) {
	return HashPassword(plain)
}

// VerifyPassword reports whether plain matches hash.
func (p Provider) VerifyPassword(plain string, hash []byte) bool {
	return ComparePassword(hash, plain) == nil
}

// EncryptToken deterministically encrypts value.
func (p Provider) EncryptToken(value string) (string, error) {
	return EncryptDeterministic(p.tokenKey, value)
}

// DecryptToken reverses EncryptToken.
func (p Provider) DecryptToken(token string) (string, error) {
	return DecryptDeterministic(p.tokenKey, token)
}
