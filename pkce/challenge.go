package pkce

// Method is the code_challenge_method sent with every authorization request.
const Method = "S256"

// Challenge derives the code_challenge for verifier: base64url(no padding) of SHA-256 over its UTF-8 bytes.
func Challenge(h Hasher, verifier string) string {
	sum := h.Sum256([]byte(verifier))
	return Base64URLNoPad(sum[:])
}
