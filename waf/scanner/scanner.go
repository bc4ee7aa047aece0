// Package scanner flags requests whose inputs match known attack
// signatures. Any single match is enough; there is no scoring across
// signatures.
package scanner

import (
	"strings"

	"gatewarden/waf/request"
)

// MaxExcerpt caps the payload excerpt kept with a finding.
const MaxExcerpt = 200

// Finding describes the first signature that matched.
type Finding struct {
	Signature string   `json:"signature"`
	Category  Category `json:"category"`
	Field     string   `json:"field"`
	Excerpt   string   `json:"excerpt"`
}

// Detector inspects a request view.
type Detector interface {
	Scan(v *request.View) (Finding, bool)
}

// Catalogue is a Detector over a fixed list of signatures.
type Catalogue struct {
	signatures []Signature
}

// NewCatalogue returns the built-in signatures followed by extra.
func NewCatalogue(extra ...Signature) *Catalogue {
	return &Catalogue{signatures: append(DefaultSignatures(), extra...)}
}

// NewCustomCatalogue uses only the given signatures.
func NewCustomCatalogue(signatures []Signature) *Catalogue {
	return &Catalogue{signatures: signatures}
}

// Signatures returns the catalogue contents.
func (c *Catalogue) Signatures() []Signature {
	out := make([]Signature, len(c.signatures))
	copy(out, c.signatures)
	return out
}

// Scan checks every field of v and stops at the first match.
func (c *Catalogue) Scan(v *request.View) (Finding, bool) {
	for _, f := range v.Fields() {
		if f.Value == "" {
			continue
		}
		sig, loc, ok := c.match(f.Value)
		if !ok {
			continue
		}
		return Finding{
			Signature: sig.Name,
			Category:  sig.Category,
			Field:     f.Name,
			Excerpt:   excerpt(f.Value, loc[0]),
		}, true
	}
	return Finding{}, false
}

// Match reports the first signature matching value.
func (c *Catalogue) Match(value string) (Signature, bool) {
	sig, _, ok := c.match(value)
	return sig, ok
}

func (c *Catalogue) match(value string) (Signature, []int, bool) {
	for _, sig := range c.signatures {
		if loc := sig.Pattern.FindStringIndex(value); loc != nil {
			return sig, loc, true
		}
	}
	return Signature{}, nil, false
}

// excerpt keeps up to MaxExcerpt bytes starting a little before the match.
func excerpt(value string, at int) string {
	start := at - 40
	if start < 0 {
		start = 0
	}
	end := start + MaxExcerpt
	if end > len(value) {
		end = len(value)
	}
	return strings.ToValidUTF8(value[start:end], "")
}
