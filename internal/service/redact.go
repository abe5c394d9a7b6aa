package service

import "strings"

// maskEmail keeps the first and last rune of the local part so audit readers can tell
// addresses apart without the trail holding personal data.
func maskEmail(email string) string {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" {
		return ""
	}
	local, domain, ok := strings.Cut(email, "@")
	if !ok || local == "" || domain == "" {
		return "***"
	}
	runes := []rune(local)
	if len(runes) <= 2 {
		return string(runes[:1]) + "***@" + domain
	}
	return string(runes[:1]) + "***" + string(runes[len(runes)-1:]) + "@" + domain
}
