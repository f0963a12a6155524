package helpers

import "github.com/google/uuid"

// IdentityKey maps a source URL (or arbitrary text) to a stable identifier
// suitable for use as a primary key. The same input always yields the same
// UUID; distinct inputs collide only with negligible probability. URLs are
// canonicalised first so that tracking-parameter and casing variants of the
// same page share one identity.
func IdentityKey(input string) string {
	if canonical, err := Canonicalize(input); err == nil {
		input = canonical
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(input)).String()
}
