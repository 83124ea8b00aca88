package msisdn

import "testing"

func TestNormalize(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  string
	}{
		{"already canonical", "254712345678", "254712345678"},
		{"leading plus", "+254712345678", "254712345678"},
		{"local format", "0712345678", "254712345678"},
		{"surrounding whitespace", "  0712345678 ", "254712345678"},
		{"empty", "", ""},
		{"short local number left alone", "0712", "0712"},
		{"foreign number left alone", "447700900123", "447700900123"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Normalize(tc.input); got != tc.want {
				t.Fatalf("Normalize(%q) = %q, want %q", tc.input, got, tc.want)
			}
		})
	}
}
