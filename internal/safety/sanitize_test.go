package safety

import (
	"errors"
	"strings"
	"testing"
)

// TestSanitizeRejectsEmpty covers empty and whitespace-only input.
func TestSanitizeRejectsEmpty(t *testing.T) {
	for _, in := range []string{"", "   ", "\n\t \n", "\u200b"} {
		if _, err := Sanitize(in, 2000); !errors.Is(err, ErrInputEmpty) {
			t.Errorf("Sanitize(%q) err = %v, want ErrInputEmpty", in, err)
		}
	}
}

// TestSanitizeRejectsTooLong enforces the character ceiling.
func TestSanitizeRejectsTooLong(t *testing.T) {
	long := strings.Repeat("a", 2001)
	if _, err := Sanitize(long, 2000); !errors.Is(err, ErrInputTooLong) {
		t.Errorf("err = %v, want ErrInputTooLong", err)
	}
	if _, err := Sanitize(strings.Repeat("a", 2000), 2000); err != nil {
		t.Errorf("exactly max chars should pass, got %v", err)
	}
}

// TestSanitizeStripsControlChars keeps \n and \t, drops the rest.
func TestSanitizeStripsControlChars(t *testing.T) {
	got, err := Sanitize("hel\x00lo\x07 wor\x1bld", 100)
	if err != nil {
		t.Fatalf("Sanitize: %v", err)
	}
	if got != "hello world" {
		t.Errorf("got %q, want %q", got, "hello world")
	}
}

// TestSanitizeStripsZeroWidth removes every invisible character the
// replacer names, BOM included, so obfuscated keywords cannot slip past
// the matchers.
func TestSanitizeStripsZeroWidth(t *testing.T) {
	got, err := Sanitize("i\u200Bg\u200Cn\u200Do\u2060r\uFEFFe previous", 100)
	if err != nil {
		t.Fatalf("Sanitize: %v", err)
	}
	if got != "ignore previous" {
		t.Errorf("got %q, want %q", got, "ignore previous")
	}
}

// TestSanitizeNormalizesNFKC folds fullwidth and compatibility forms so
// pattern matching sees canonical text.
func TestSanitizeNormalizesNFKC(t *testing.T) {
	got, err := Sanitize("ｉｇｎｏｒｅ ｒｕｌｅｓ", 100)
	if err != nil {
		t.Fatalf("Sanitize: %v", err)
	}
	if got != "ignore rules" {
		t.Errorf("got %q, want %q", got, "ignore rules")
	}
}

// TestSanitizeCollapsesWhitespace squeezes runs but preserves line breaks.
func TestSanitizeCollapsesWhitespace(t *testing.T) {
	got, err := Sanitize("hello    world\t\tagain\nsecond   line\n\n\nthird", 200)
	if err != nil {
		t.Fatalf("Sanitize: %v", err)
	}
	want := "hello world again\nsecond line\n\nthird"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

// TestSanitizeIdempotent verifies sanitize(sanitize(x)) == sanitize(x).
func TestSanitizeIdempotent(t *testing.T) {
	inputs := []string{
		"plain text",
		"  padded\t text \n with   lines \n\n and\u200b zero\u200d width ",
		"ｆｕｌｌｗｉｄｔｈ ＴＥＸＴ",
		"control\x00chars\x1f here",
		"e\u200d\u0301 composed after strip",
		"caf\u00e9 already composed",
	}
	for _, in := range inputs {
		once, err := Sanitize(in, 2000)
		if err != nil {
			t.Fatalf("Sanitize(%q): %v", in, err)
		}
		twice, err := Sanitize(once, 2000)
		if err != nil {
			t.Fatalf("Sanitize(Sanitize(%q)): %v", in, err)
		}
		if once != twice {
			t.Errorf("not idempotent for %q:\n first: %q\nsecond: %q", in, once, twice)
		}
	}
}
