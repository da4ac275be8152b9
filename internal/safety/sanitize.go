package safety

import (
	"errors"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Sanitizer input errors. Both are client errors; neither reaches the LLM.
var (
	ErrInputEmpty   = errors.New("message is empty")
	ErrInputTooLong = errors.New("message exceeds the maximum length")
)

// zeroWidth maps Unicode zero-width and invisible characters used to
// obfuscate keywords past matchers.
var zeroWidth = strings.NewReplacer(
	"\u200B", "", // zero-width space
	"\u200C", "", // zero-width non-joiner
	"\u200D", "", // zero-width joiner
	"\u2060", "", // word joiner
	"\uFEFF", "", // zero-width no-break space (BOM)
)

// Sanitize validates and normalizes one user utterance. The output is what
// every downstream stage (rules, moderation, retrieval, prompt) sees; the
// original bytes are not kept. Sanitize is idempotent.
func Sanitize(text string, maxChars int) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", ErrInputEmpty
	}
	if maxChars > 0 && utf8.RuneCountInString(text) > maxChars {
		return "", ErrInputTooLong
	}

	out := norm.NFKC.String(text)
	out = zeroWidth.Replace(out)
	out = stripControl(out)
	out = collapseWhitespace(out)
	// Stripping can strand combining marks next to new bases; recompose so
	// a second pass sees identical bytes.
	out = norm.NFC.String(out)

	if out == "" {
		return "", ErrInputEmpty
	}
	// NFKC can expand compatibility characters, so the bound is enforced on
	// the normalized text as well.
	if maxChars > 0 && utf8.RuneCountInString(out) > maxChars {
		return "", ErrInputTooLong
	}
	return out, nil
}

// stripControl removes ASCII control characters except \n and \t.
func stripControl(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
}

// collapseWhitespace squeezes runs of spaces and tabs within each line down
// to a single space and trims line edges. Line breaks survive; runs of
// blank lines collapse to one.
func collapseWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, strings.Join(fields, " "))
	}
	// Drop a trailing blank kept ahead of lines that never came.
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	return strings.Join(out, "\n")
}
