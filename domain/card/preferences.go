package card

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Preferences are the feed filter settings. The fixed fields cover the
// common filters; Extra carries whatever else the host app sends along.
type Preferences struct {
	AgeMin        int               `json:"age_min" yaml:"age_min"`
	AgeMax        int               `json:"age_max" yaml:"age_max"`
	MaxDistanceKm int               `json:"max_distance_km" yaml:"max_distance_km"`
	Interested    []string          `json:"interested" yaml:"interested"`
	Extra         map[string]string `json:"extra,omitempty" yaml:"extra,omitempty"`
}

// Fingerprint returns a canonical digest of the preferences. Slices are
// sorted and map keys serialized in sorted order, so two structurally equal
// preference sets produce the same fingerprint regardless of how they were
// assembled. Pagination cursors are only valid for one fingerprint.
func (p Preferences) Fingerprint() string {
	var b strings.Builder
	fmt.Fprintf(&b, "age=%d-%d;dist=%d;", p.AgeMin, p.AgeMax, p.MaxDistanceKm)

	interested := append([]string(nil), p.Interested...)
	sort.Strings(interested)
	b.WriteString("interested=")
	b.WriteString(strings.Join(interested, ","))
	b.WriteByte(';')

	keys := make([]string, 0, len(p.Extra))
	for k := range p.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "extra.%s=%s;", k, p.Extra[k])
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// SessionKey identifies one (user, preferences) feed session. All locally
// buffered feed state is scoped to a session key: when it changes, buffer,
// ledger, outbox and cursor must be invalidated together.
type SessionKey string

// NewSessionKey derives the session key for a user and their current
// preferences.
func NewSessionKey(userID string, prefs Preferences) SessionKey {
	return SessionKey(userID + "#" + prefs.Fingerprint())
}
