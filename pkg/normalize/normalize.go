// Package normalize turns free-text authority labels into matching keys.
//
// Two labels with the same key are treated as the same real-world entity
// when authorities are reconciled during an import run.
package normalize

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// particles are the nobiliary particles moved back in front of a surname
// when an inverted "Lastname particle, Firstname" form is reordered.
var particles = map[string]bool{
	"de": true, "d'": true, "du": true, "des": true, "del": true, "della": true,
	"di": true, "da": true, "von": true, "van": true, "der": true, "den": true,
	"la": true, "le": true, "les": true, "zu": true,
}

var ligatures = strings.NewReplacer(
	"œ", "oe", "Œ", "OE",
	"æ", "ae", "Æ", "AE",
	"ß", "ss",
	"’", "'", "ʼ", "'",
)

// Label returns the matching key of a person or corporate name. Inverted
// "Lastname, Firstname" forms are reordered, a parenthesised first name
// ("Liszt (Franz)") is moved in front, and trailing date or occupation
// qualifiers are dropped. It never fails: an input made only of punctuation
// or spaces yields the empty string.
func Label(raw string) string {
	return key(raw, true)
}

// Term returns the matching key of a place or subject label. Only date and
// occupation qualifiers are dropped; words are never reordered, so
// "Paris (France)" keeps its qualifier.
func Term(raw string) string {
	return key(raw, false)
}

func key(raw string, name bool) string {
	s := Display(raw)
	s = stripTrailingClauses(s, name)
	if name {
		s = reorderInverted(s)
	}
	s = fold(s)

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		} else {
			b.WriteRune(' ')
		}
	}
	return collapse(b.String())
}

// Display trims raw and collapses its internal whitespace. It is the label
// stored on an authority created from raw.
func Display(raw string) string {
	return collapse(raw)
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// stripTrailingClauses removes trailing "(...)" clauses and ", ..." segments
// holding dates or occupations. For names, a capitalised parenthesised clause
// that is neither is a first name and is moved in front.
func stripTrailingClauses(s string, name bool) string {
	for {
		switch {
		case strings.HasSuffix(s, ")"):
			open := strings.LastIndex(s, "(")
			if open < 0 {
				return s
			}
			head := strings.TrimSpace(s[:open])
			inner := strings.TrimSpace(s[open+1 : len(s)-1])
			if head == "" {
				return inner
			}
			if qualifier(inner, name) {
				s = head
				continue
			}
			if first, ok := firstName(inner); ok && name && !strings.Contains(head, ",") {
				return first + " " + head
			}
			return s
		case trailingQualifier(s, name):
			s = strings.TrimSpace(s[:strings.LastIndex(s, ",")])
		default:
			return s
		}
	}
}

// trailingQualifier reports whether the last ", ..." segment of s can be
// dropped. Dates always can; for names an occupation can once the
// "Lastname, Firstname" part is complete.
func trailingQualifier(s string, name bool) bool {
	i := strings.LastIndex(s, ",")
	if i < 0 {
		return false
	}
	tail := strings.TrimSpace(s[i+1:])
	if tail == "" {
		return false
	}
	if isDates(tail) {
		return true
	}
	return name && strings.Count(s, ",") >= 2 && isOccupation(tail, name)
}

// qualifier reports whether every ";" or "," separated part of a
// parenthesised clause is a date or an occupation.
func qualifier(inner string, name bool) bool {
	parts := strings.FieldsFunc(inner, func(r rune) bool { return r == ';' || r == ',' })
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if !isDates(part) && !isOccupation(part, name) {
			return false
		}
	}
	return true
}

// dateWords may surround the years of a date qualifier.
var dateWords = map[string]bool{
	"ca": true, "c": true, "vers": true, "env": true, "fl": true, "actif": true,
	"active": true, "ne": true, "nee": true, "mort": true, "morte": true, "av": true,
	"ap": true, "jc": true, "j": true, "apres": true, "avant": true, "ou": true, "et": true,
}

// isDates reports whether part is made of years, optionally with date words
// ("1811-1886", "ca 1750", "1701 ?").
func isDates(part string) bool {
	digits := false
	for _, w := range strings.FieldsFunc(strings.ToLower(fold(part)), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		switch {
		case isNumber(w):
			digits = true
		case dateWords[w]:
		default:
			return false
		}
	}
	return digits
}

func isNumber(w string) bool {
	for _, r := range w {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return w != ""
}

// occupations are qualifiers commonly attached to names in finding aids,
// folded and lower-cased.
var occupations = map[string]bool{
	"notaire": true, "avocat": true, "avoue": true, "huissier": true, "greffier": true,
	"pretre": true, "cure": true, "vicaire": true, "eveque": true, "archeveque": true,
	"abbe": true, "chanoine": true, "moine": true, "religieux": true, "religieuse": true,
	"marchand": true, "negociant": true, "commercant": true, "banquier": true, "industriel": true,
	"imprimeur": true, "libraire": true, "editeur": true, "journaliste": true,
	"peintre": true, "sculpteur": true, "graveur": true, "architecte": true, "photographe": true,
	"poete": true, "ecrivain": true, "auteur": true, "historien": true, "philosophe": true,
	"musicien": true, "compositeur": true, "comedien": true, "acteur": true, "chanteur": true,
	"medecin": true, "chirurgien": true, "apothicaire": true, "pharmacien": true,
	"ingenieur": true, "geometre": true, "arpenteur": true, "instituteur": true, "professeur": true,
	"maire": true, "prefet": true, "depute": true, "senateur": true, "ministre": true,
	"juge": true, "magistrat": true, "conseiller": true, "officier": true, "militaire": true,
	"soldat": true, "capitaine": true, "colonel": true, "general": true,
	"cultivateur": true, "laboureur": true, "agriculteur": true, "meunier": true,
	"menuisier": true, "charpentier": true, "macon": true, "forgeron": true, "tailleur": true,
	"cordonnier": true, "boulanger": true, "tisserand": true,
}

// isOccupation reports whether part names an occupation. In names a
// qualifier starting with a lower-case letter is an occupation too
// ("Dupont, Jean (notaire)").
func isOccupation(part string, name bool) bool {
	words := strings.Fields(strings.ToLower(fold(part)))
	if len(words) == 0 {
		return false
	}
	if occupations[strings.Trim(words[0], ".'")] {
		return true
	}
	r, _ := utf8.DecodeRuneInString(part)
	return name && unicode.IsLower(r)
}

// firstName reports whether a parenthesised clause names a first name,
// returning the name without any trailing qualifier.
func firstName(inner string) (string, bool) {
	candidate := inner
	if i := strings.IndexAny(candidate, ",;"); i >= 0 {
		candidate = strings.TrimSpace(candidate[:i])
	}
	if candidate == "" {
		return "", false
	}
	for i, r := range candidate {
		if i == 0 && !unicode.IsUpper(r) {
			return "", false
		}
		if unicode.IsDigit(r) {
			return "", false
		}
	}
	return candidate, true
}

// reorderInverted turns "Lastname, Firstname" into "Firstname Lastname".
// Trailing particles of the surname ("Gaulle de") are put back in front of it.
func reorderInverted(s string) string {
	last, first, ok := strings.Cut(s, ",")
	if !ok {
		return s
	}
	last = strings.TrimSpace(last)
	first = strings.TrimSpace(first)
	if last == "" || first == "" {
		return last + first
	}

	words := strings.Fields(last)
	cut := len(words)
	for cut > 1 && particles[strings.ToLower(words[cut-1])] {
		cut--
	}
	reordered := make([]string, 0, len(words))
	reordered = append(reordered, words[cut:]...)
	reordered = append(reordered, words[:cut]...)
	return first + " " + strings.Join(reordered, " ")
}

// fold strips diacritics and expands ligatures.
func fold(s string) string {
	s = ligatures.Replace(s)
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}
