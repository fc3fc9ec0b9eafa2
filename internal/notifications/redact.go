package notifications

import "strings"

// RedactEmail masks an address for logs: "pat@example.com" becomes
// "p***@example.com". Input without "@" is fully masked.
func RedactEmail(email string) string {
	if email == "" {
		return ""
	}
	local, domain, ok := strings.Cut(email, "@")
	if !ok {
		return "***"
	}
	if local == "" {
		return "***@" + domain
	}
	return local[:1] + "***@" + domain
}
