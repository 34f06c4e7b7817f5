package card

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPreferencesFingerprint(t *testing.T) {
	t.Run("order independent", func(t *testing.T) {
		// Maps and slices assembled in different orders must not cause
		// spurious session resets.
		a := Preferences{
			AgeMin:     25,
			AgeMax:     35,
			Interested: []string{"women", "men"},
			Extra:      map[string]string{"religion": "any", "height_min": "160"},
		}
		b := Preferences{
			AgeMin:     25,
			AgeMax:     35,
			Interested: []string{"men", "women"},
			Extra:      map[string]string{"height_min": "160", "religion": "any"},
		}
		assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	})

	t.Run("field change produces a new fingerprint", func(t *testing.T) {
		a := Preferences{AgeMin: 25, AgeMax: 35}
		b := Preferences{AgeMin: 25, AgeMax: 40}
		assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
	})

	t.Run("extra key change produces a new fingerprint", func(t *testing.T) {
		a := Preferences{Extra: map[string]string{"verified_only": "true"}}
		b := Preferences{Extra: map[string]string{"verified_only": "false"}}
		assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
	})

	t.Run("stable across calls", func(t *testing.T) {
		p := Preferences{AgeMin: 20, Extra: map[string]string{"a": "1", "b": "2", "c": "3"}}
		first := p.Fingerprint()
		for i := 0; i < 50; i++ {
			assert.Equal(t, first, p.Fingerprint())
		}
	})
}

func TestNewSessionKey(t *testing.T) {
	prefs := Preferences{AgeMin: 21, AgeMax: 40}

	k1 := NewSessionKey("user-1", prefs)
	k2 := NewSessionKey("user-2", prefs)
	assert.NotEqual(t, k1, k2, "different users must have different keys")

	changed := prefs
	changed.AgeMax = 45
	assert.NotEqual(t, NewSessionKey("user-1", prefs), NewSessionKey("user-1", changed))
}
