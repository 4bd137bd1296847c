package anchor

import (
	"math/rand"
	"strings"
)

// Generic call-to-action phrases. Which phrase is picked is random; the
// category itself never is.
var genericPhrases = []string{
	"click here",
	"learn more",
	"read more",
	"this website",
	"check it out",
	"visit site",
	"more info",
}

// Partial-match templates wrap a keyword in surrounding text so the anchor
// reads naturally rather than as a raw keyword
var partialTemplates = []string{
	"best %s guide",
	"%s tips",
	"top %s resources",
	"guide to %s",
	"%s explained",
}

// Renderer produces literal anchor text for a chosen category. Randomness
// only selects a string within the category.
type Renderer struct {
	rand *rand.Rand
}

// NewRenderer creates a renderer with the given random source
func NewRenderer(r *rand.Rand) *Renderer {
	return &Renderer{rand: r}
}

// Render emits anchor text for the category using the campaign's branded
// terms, keywords and target URL
func (r *Renderer) Render(t Type, brandedTerms, keywords []string, targetURL string) string {
	switch t {
	case TypeBranded:
		if len(brandedTerms) == 0 {
			return NakedURL(targetURL)
		}
		return brandedTerms[r.rand.Intn(len(brandedTerms))]

	case TypeNaked:
		return NakedURL(targetURL)

	case TypeGeneric:
		return genericPhrases[r.rand.Intn(len(genericPhrases))]

	case TypePartialMatch:
		if len(keywords) == 0 {
			return genericPhrases[r.rand.Intn(len(genericPhrases))]
		}
		keyword := keywords[r.rand.Intn(len(keywords))]
		template := partialTemplates[r.rand.Intn(len(partialTemplates))]
		return strings.Replace(template, "%s", keyword, 1)

	case TypeExactMatch:
		if len(keywords) == 0 {
			return NakedURL(targetURL)
		}
		return keywords[r.rand.Intn(len(keywords))]
	}

	return NakedURL(targetURL)
}

// NakedURL strips the scheme and trailing slash from a URL for use as a
// naked anchor
func NakedURL(rawURL string) string {
	s := strings.TrimPrefix(rawURL, "https://")
	s = strings.TrimPrefix(s, "http://")
	return strings.TrimSuffix(s, "/")
}
