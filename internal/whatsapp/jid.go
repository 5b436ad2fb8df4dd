package whatsapp

import "strings"

const (
	userServer  = "s.whatsapp.net"
	groupServer = "g.us"
	lidServer   = "lid"
)

// NormalizeTarget turns a bare phone number into a user JID.
// Anything that already names a server passes through unchanged.
func NormalizeTarget(target string) string {
	t := strings.TrimSpace(target)
	if t == "" || strings.Contains(t, "@") {
		return t
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, t)
	if digits == "" {
		return t
	}
	return digits + "@" + userServer
}

// IsGroupJID reports whether id addresses a group.
func IsGroupJID(id string) bool {
	return strings.HasSuffix(id, "@"+groupServer)
}

// IsLIDJID reports whether id is a privacy-preserving linked identity
// rather than a phone number.
func IsLIDJID(id string) bool {
	return strings.HasSuffix(id, "@"+lidServer)
}

// IdentityFromJID returns the user part of a JID without device or agent suffixes.
// "905551112233:12@s.whatsapp.net" becomes "905551112233".
func IdentityFromJID(jid string) string {
	user, _, _ := strings.Cut(jid, "@")
	user, _, _ = strings.Cut(user, ":")
	user, _, _ = strings.Cut(user, ".")
	return user
}
