package oauth

// MaskSecret masks a credential by showing the first 3 and last 4
// characters. Secrets at or under 8 characters mask completely. Used
// wherever token or key material would otherwise reach a log field or
// HTTP response.
func MaskSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:3] + "***" + secret[len(secret)-4:]
}
