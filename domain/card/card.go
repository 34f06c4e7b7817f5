// Package card holds the domain model for the swipe feed: candidate cards,
// filtering preferences and the session key that scopes local feed state.
package card

import (
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

// bioPrefixLen is how much of the bio survives compaction. Enough for a
// one-line preview during an undo transition, nothing more.
const bioPrefixLen = 80

var validate = validator.New()

// Card is one candidate profile entry returned by the feed.
// Identity is the ID; everything else is display payload.
type Card struct {
	ID          string            `json:"id" validate:"required"`
	DisplayName string            `json:"display_name"`
	Age         int               `json:"age" validate:"gte=0"`
	Bio         string            `json:"bio"`
	Interests   []string          `json:"interests,omitempty"`
	PhotoRefs   []string          `json:"photo_refs,omitempty"`
	PhotoURLs   []string          `json:"photo_urls,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`

	// Compacted marks a card whose heavy fields were stripped after it
	// was swiped. A compacted card is never rendered again except via the
	// full snapshot kept in undo memory.
	Compacted bool `json:"-"`
}

// Validate checks the card is well-formed enough to enter the buffer.
// Feed data is semi-trusted external input, so callers drop invalid rows
// instead of failing the whole page.
func (c *Card) Validate() error {
	return validate.Struct(c)
}

// Clone returns a deep copy. Undo memory keeps a clone so later compaction
// of the buffered entry cannot reach into the snapshot.
func (c *Card) Clone() *Card {
	if c == nil {
		return nil
	}
	clone := *c
	clone.Interests = append([]string(nil), c.Interests...)
	clone.PhotoRefs = append([]string(nil), c.PhotoRefs...)
	clone.PhotoURLs = append([]string(nil), c.PhotoURLs...)
	if c.Attributes != nil {
		clone.Attributes = make(map[string]string, len(c.Attributes))
		for k, v := range c.Attributes {
			clone.Attributes[k] = v
		}
	}
	return &clone
}

// Compact strips heavy fields in place, preserving the ID and a short bio
// prefix. Idempotent.
func (c *Card) Compact() {
	if c.Compacted {
		return
	}
	if len(c.Bio) > bioPrefixLen {
		// Cut on a rune boundary so a multi-byte character at the limit is
		// dropped whole instead of leaving invalid UTF-8.
		cut := bioPrefixLen
		for cut > 0 && !utf8.RuneStart(c.Bio[cut]) {
			cut--
		}
		c.Bio = c.Bio[:cut]
	}
	c.Interests = nil
	c.PhotoRefs = nil
	c.PhotoURLs = nil
	c.Attributes = nil
	c.Compacted = true
}
