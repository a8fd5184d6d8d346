package utils

import "testing"

func TestNormalizeTitle(t *testing.T) {
	cases := map[string]string{
		"Solo Leveling":            "solo leveling",
		"  One-Punch  Man!! ":      "one punch man",
		"Kaguya-sama: Love is War": "kaguya sama love is war",
	}
	for in, want := range cases {
		if got := NormalizeTitle(in); got != want {
			t.Errorf("NormalizeTitle(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestStripTitleSuffixes(t *testing.T) {
	cases := map[string]string{
		"Tower of God (Season 3)":      "Tower of God",
		"Omniscient Reader [Official]": "Omniscient Reader",
		"Berserk":                      "Berserk",
		"Attack on Titan Part 2":       "Attack on Titan",
	}
	for in, want := range cases {
		if got := StripTitleSuffixes(in); got != want {
			t.Errorf("StripTitleSuffixes(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSimplifyTitle(t *testing.T) {
	cases := map[string]string{
		"The Beginning After the End: Season 2": "beginning after the end",
		"Kaguya-sama: Love is War":              "kaguya sama",
		"A Returner's Magic Should Be Special":  "returner s magic should be special",
	}
	for in, want := range cases {
		if got := SimplifyTitle(in); got != want {
			t.Errorf("SimplifyTitle(%q) = %q, want %q", in, got, want)
		}
	}
}
