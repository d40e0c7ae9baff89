// Package idgen builds the human-friendly display slugs cached on a node
// alongside its opaque uuid, and a title-slugging helper.
package idgen

import (
	"math/big"
	"regexp"
	"strings"
	"unicode"
)

const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// EncodeBase36 renders n using the base36 alphabet, left-padded to length
// with zeros.
func EncodeBase36(n int64, length int) string {
	if n < 0 {
		n = 0
	}
	num := big.NewInt(n)
	base := big.NewInt(36)
	zero := big.NewInt(0)
	mod := new(big.Int)

	var chars []byte
	for num.Cmp(zero) > 0 {
		num.DivMod(num, base, mod)
		chars = append(chars, base36Alphabet[mod.Int64()])
	}
	for i, j := 0, len(chars)-1; i < j; i, j = i+1, j-1 {
		chars[i], chars[j] = chars[j], chars[i]
	}
	str := string(chars)
	if len(str) < length {
		str = strings.Repeat("0", length-len(str)) + str
	}
	return str
}

// DisplaySlug renders the cached human-friendly slug for the counter-th node
// created in project, e.g. "checkout-003f". Stored in properties["_slug"] at
// create time and never recomputed, so renumbering never happens.
func DisplaySlug(project string, counter int64) string {
	return project + "-" + EncodeBase36(counter, 4)
}

var (
	nonAlphanumeric   = regexp.MustCompile(`[^a-z0-9]+`)
	multipleUnderscore = regexp.MustCompile(`_+`)
)

// stopWords are dropped when slugging a title: they add length without
// meaning.
var stopWords = map[string]bool{
	"a": true, "an": true, "the": true,
	"in": true, "on": true, "at": true, "to": true, "for": true,
	"of": true, "with": true, "by": true, "from": true, "as": true,
	"and": true, "or": true, "but": true, "nor": true,
	"is": true, "are": true, "was": true, "were": true,
	"be": true, "been": true, "being": true,
	"have": true, "has": true, "had": true,
	"do": true, "does": true, "did": true,
	"this": true, "that": true, "these": true, "those": true,
	"it": true, "its": true,
}

const maxSlugLength = 46

// Slugify converts free text (a node summary, a knowledge key) into a
// lowercase, underscore-separated slug: stop words dropped, non-alphanumeric
// runs collapsed, truncated to maxSlugLength at a word boundary when
// possible. Nothing else in this repository calls it; knowledge keys and the
// tree renderer do not go through it.
func Slugify(title string) string {
	if title == "" {
		return "untitled"
	}

	slug := strings.ToLower(title)
	slug = nonAlphanumeric.ReplaceAllString(slug, " ")
	words := strings.Fields(slug)

	filtered := make([]string, 0, len(words))
	for _, w := range words {
		if !stopWords[w] {
			filtered = append(filtered, w)
		}
	}
	if len(filtered) == 0 && len(words) > 0 {
		filtered = words[:1]
	}

	slug = strings.Join(filtered, "_")
	if len(slug) > 0 && !unicode.IsLetter(rune(slug[0])) {
		slug = "n" + slug
	}

	if len(slug) > maxSlugLength {
		truncated := slug[:maxSlugLength]
		if last := strings.LastIndex(truncated, "_"); last > maxSlugLength/2 {
			truncated = truncated[:last]
		}
		slug = truncated
	}
	if len(slug) < 3 {
		slug += strings.Repeat("x", 3-len(slug))
	}

	slug = strings.Trim(slug, "_")
	slug = multipleUnderscore.ReplaceAllString(slug, "_")
	return slug
}
