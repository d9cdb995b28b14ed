package textutil

import "testing"

func TestPlainText(t *testing.T) {
	cases := []struct {
		name  string
		in    string
		limit int
		want  string
	}{
		{name: "strips tags", in: `12 <b>Anna</b> Salai<script>alert(1)</script>`, want: "12 Anna Salai"},
		{name: "collapses whitespace", in: "  Flat 4,\n\tT Nagar  ", want: "Flat 4, T Nagar"},
		{name: "keeps entities readable", in: "Mylapore & Co", want: "Mylapore & Co"},
		{name: "caps length", in: "Coimbatore", limit: 4, want: "Coim"},
		{name: "counts runes", in: "சென்னை நகரம்", limit: 6, want: "சென்னை"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := PlainText(tc.in, tc.limit); got != tc.want {
				t.Fatalf("PlainText(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}
