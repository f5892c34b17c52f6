// Package textnorm repairs and normalizes extracted document text. The same
// function is applied to chunk text at ingestion time and to queries at search
// time so both sides of a similarity comparison see identical normalization.
package textnorm

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/unicode/norm"
)

// maxRepairRounds bounds how many layers of double encoding are undone.
const maxRepairRounds = 3

// Fix repairs mojibake, normalizes line endings, applies Unicode NFKC
// normalization and strips control and zero-width characters. Fix is
// idempotent: Fix(Fix(s)) == Fix(s).
func Fix(s string) string {
	if s == "" {
		return s
	}
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "\ufffd")
	}
	s = RepairMojibake(s)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = norm.NFKC.String(s)
	return stripInvisible(s)
}

// RepairMojibake undoes text that was UTF-8 encoded but decoded as
// Windows-1252 or Latin-1 (for example "cafÃ©" becomes "café"). A candidate
// repair is only accepted when it is valid UTF-8 and strictly less suspicious
// than its input, so correctly encoded accented text is left alone.
func RepairMojibake(s string) string {
	for range maxRepairRounds {
		if badness(s) == 0 {
			return s
		}
		fixed, ok := reencode(s)
		if !ok {
			return s
		}
		s = fixed
	}
	return s
}

func reencode(s string) (string, bool) {
	best, bestScore := "", badness(s)
	for _, cm := range []*charmap.Charmap{charmap.Windows1252, charmap.ISO8859_1} {
		raw, err := cm.NewEncoder().String(s)
		if err != nil || !utf8.ValidString(raw) {
			continue
		}
		if score := badness(raw); score < bestScore {
			best, bestScore = raw, score
		}
	}
	return best, best != ""
}

// badness counts runes that rarely appear in clean text but are typical of
// UTF-8 bytes rendered through a single-byte code page.
func badness(s string) int {
	n := 0
	for _, r := range s {
		switch {
		case r == 'Ã' || r == 'Â' || r == 'â' || r == '€' || r == '™' || r == 'œ' || r == 'ž' || r == 'Ÿ':
			n++
		case r == utf8.RuneError:
			n++
		case r >= 0x80 && r <= 0x9f:
			n++
		}
	}
	return n
}

func stripInvisible(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\t':
			return r
		case '\u200b', '\u200c', '\u200d', '\ufeff', '\u00ad':
			return -1
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}
