// Package anonymize turns candidate snapshots into privacy-safe digest blocks.
// Everything here is pure: no I/O, no clocks, safe to re-run.
package anonymize

import (
	"fmt"
	"html"
	"math"
	"regexp"
	"strings"
	"unicode"

	"github.com/DeafMist/talent-digest/internal/models"
)

const (
	redacted        = "[redacted]"
	employerPhrase  = "their current employer"
	undisclosedBand = "undisclosed"
	minPhoneDigits  = 9
)

var (
	urlRegex   = regexp.MustCompile(`https?://[^\s]+`)
	emailRegex = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	phoneRegex = regexp.MustCompile(`\+?\d[\d\s().\-]{7,}\d`)
	whitespace = regexp.MustCompile(`\s+`)
	bulletMark = regexp.MustCompile(`^([-*•]|\d+[.)])\s*`)

	// placeholders matches the text Scrub inserts.
	placeholders = regexp.MustCompile(`\[redacted\]|their current employer|Candidate [A-Z]+\b`)
)

// Alias returns the stable placeholder for the i-th block: A..Z, then AA, AB, ...
func Alias(i int) string {
	var label []byte
	for n := i; ; n = n/26 - 1 {
		label = append([]byte{byte('A' + n%26)}, label...)
		if n < 26 {
			break
		}
	}
	return "Candidate " + string(label)
}

// Block applies the transform to one snapshot and its generated fragments.
func Block(c models.CandidateSnapshot, fragments []string, alias string) models.EntityBlock {
	out := make([]string, 0, len(fragments))
	for _, f := range fragments {
		out = append(out, Scrub(CleanFragment(f), c, alias))
	}

	return models.EntityBlock{
		Alias:        alias,
		Headline:     Scrub(c.Title, c, alias),
		Location:     Scrub(c.Location, c, alias),
		Compensation: CompensationBand(c.CompensationMin, c.CompensationMax),
		Tenure:       TenureBucket(c.TenureYears),
		Fragments:    out,
		RankScore:    c.RankScore,
	}
}

// Scrub removes every identity value of c from text.
func Scrub(text string, c models.CandidateSnapshot, alias string) string {
	if text == "" {
		return ""
	}

	for _, literal := range []string{c.Email, c.Phone, c.ProfileURL} {
		if literal != "" {
			text = replaceFold(text, literal, redacted)
		}
	}
	text = urlRegex.ReplaceAllString(text, redacted)
	text = emailRegex.ReplaceAllString(text, redacted)
	text = phoneRegex.ReplaceAllStringFunc(text, func(m string) string {
		if digitCount(m) < minPhoneDigits {
			return m
		}
		return redacted
	})

	if c.CurrentEmployer != "" {
		text = replaceTerm(text, c.CurrentEmployer, employerPhrase)
	}
	if c.FullName != "" {
		text = replaceTerm(text, c.FullName, alias)
		text = replaceWords(text, NameTokens(c.FullName), alias)
	}

	return strings.TrimSpace(whitespace.ReplaceAllString(text, " "))
}

// StripPlaceholders blanks the aliases and redaction markers Scrub inserts,
// leaving only source-derived text for leak checks.
func StripPlaceholders(text string) string {
	return placeholders.ReplaceAllString(text, " ")
}

// Leaks lists the identity values of c that still occur in text.
func Leaks(text string, c models.CandidateSnapshot) []string {
	text = StripPlaceholders(text)
	lower := strings.ToLower(text)
	var found []string
	for _, term := range c.IdentityTerms() {
		if strings.Contains(lower, strings.ToLower(term)) {
			found = append(found, term)
		}
	}

	tokens := NameTokens(c.FullName)
	if len(tokens) == 0 {
		return found
	}
	want := make(map[string]string, len(tokens))
	for _, t := range tokens {
		want[strings.ToLower(t)] = t
	}
	for _, w := range words(text) {
		if t, ok := want[strings.ToLower(w)]; ok {
			found = append(found, t)
			delete(want, strings.ToLower(w))
		}
	}
	return found
}

// NameTokens splits a full name into the parts worth scrubbing on their own.
// Initials are skipped; they carry no identity and collide with ordinary words.
func NameTokens(fullName string) []string {
	var tokens []string
	for _, w := range words(fullName) {
		if len([]rune(w)) >= 2 {
			tokens = append(tokens, w)
		}
	}
	return tokens
}

// CleanFragment strips HTML entities, list markers and redundant whitespace.
func CleanFragment(input string) string {
	if input == "" {
		return ""
	}
	decoded := html.UnescapeString(input)
	decoded = strings.TrimSpace(whitespace.ReplaceAllString(decoded, " "))
	decoded = bulletMark.ReplaceAllString(decoded, "")
	return strings.TrimSpace(decoded)
}

// CompensationBand renders a coarse band rounded to the nearest 10k.
func CompensationBand(minComp, maxComp int64) string {
	if minComp <= 0 && maxComp <= 0 {
		return undisclosedBand
	}
	if maxComp <= 0 || maxComp == minComp {
		return fmt.Sprintf("%dk", roundThousands(minComp))
	}
	if minComp <= 0 {
		return fmt.Sprintf("up to %dk", roundThousands(maxComp))
	}
	return fmt.Sprintf("%dk-%dk", roundThousands(minComp), roundThousands(maxComp))
}

// TenureBucket hides exact tenure, which can identify people at small companies.
func TenureBucket(years float64) string {
	switch {
	case years < 1:
		return "under 1 year"
	case years < 3:
		return "1-3 years"
	case years < 5:
		return "3-5 years"
	case years < 10:
		return "5-10 years"
	default:
		return "10+ years"
	}
}

func roundThousands(v int64) int64 {
	return int64(math.Round(float64(v)/10000) * 10)
}

// replaceFold replaces every case-insensitive occurrence of term, tolerating
// arbitrary whitespace between its words.
func replaceFold(text, term, with string) string {
	parts := strings.Fields(term)
	if len(parts) == 0 {
		return text
	}
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	re := regexp.MustCompile(`(?i)` + strings.Join(parts, `\s+`))
	return re.ReplaceAllLiteralString(text, with)
}

// replaceTerm swaps whole-word occurrences of term for with. An occurrence
// inside a longer word ("Meta" in "metadata") takes the whole word with it
// as [redacted], so no identity substring survives and no word is spliced.
// Placeholders inserted earlier are left alone.
func replaceTerm(text, term, with string) string {
	parts := strings.Fields(term)
	if len(parts) == 0 {
		return text
	}
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	core := strings.Join(parts, `\s+`)
	re := regexp.MustCompile(`(?i)[\p{L}\p{N}]*` + core + `[\p{L}\p{N}]*`)
	exact := regexp.MustCompile(`(?i)^` + core + `$`)
	replace := func(segment string) string {
		return re.ReplaceAllStringFunc(segment, func(m string) string {
			if exact.MatchString(m) {
				return with
			}
			return redacted
		})
	}

	var b strings.Builder
	last := 0
	for _, loc := range placeholders.FindAllStringIndex(text, -1) {
		b.WriteString(replace(text[last:loc[0]]))
		b.WriteString(text[loc[0]:loc[1]])
		last = loc[1]
	}
	b.WriteString(replace(text[last:]))
	return b.String()
}

// replaceWords swaps whole words matching any token, leaving substrings of
// longer words intact.
func replaceWords(text string, tokens []string, with string) string {
	if len(tokens) == 0 {
		return text
	}
	var b strings.Builder
	var word []rune
	flush := func() {
		if len(word) == 0 {
			return
		}
		w := string(word)
		replaced := false
		for _, t := range tokens {
			if strings.EqualFold(w, t) {
				b.WriteString(with)
				replaced = true
				break
			}
		}
		if !replaced {
			b.WriteString(w)
		}
		word = word[:0]
	}
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			word = append(word, r)
			continue
		}
		flush()
		b.WriteRune(r)
	}
	flush()
	return b.String()
}

func digitCount(s string) int {
	n := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			n++
		}
	}
	return n
}

func words(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
