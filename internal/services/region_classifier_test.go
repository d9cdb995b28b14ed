package services

import "testing"

func TestPostalRegionClassifier(t *testing.T) {
	c := NewPostalRegionClassifier()
	cases := map[string]bool{
		"600001":     true,
		"641018":     true,
		"643253":     true,
		" 625001 ":   true,
		"599999":     false,
		"644001":     false,
		"560001":     false,
		"60001":      false,
		"Tamil Nadu": true,
		"TAMIL-NADU": true,
		"Tamil Nādu": true,
		"tamilnad":   true,
		"TN":         true,
		"Kerala":     false,
		"":           false,
	}
	for input, want := range cases {
		if got := c.IsHomeRegion(input); got != want {
			t.Fatalf("IsHomeRegion(%q) = %t, want %t", input, got, want)
		}
	}
}

func TestIsHomeDestinationPrefersPostalCode(t *testing.T) {
	c := NewPostalRegionClassifier()
	tests := []struct {
		name string
		dest Destination
		want bool
	}{
		{name: "state name only", dest: Destination{State: "Tamil Nadu"}, want: true},
		{name: "postal code overrides state name", dest: Destination{State: "Tamil Nadu", PostalCode: "560001"}, want: false},
		{name: "pincode in state field", dest: Destination{State: "600040", PostalCode: "560001"}, want: true},
		{name: "foreign state and pincode", dest: Destination{State: "Karnataka", PostalCode: "560001"}, want: false},
	}
	for _, tc := range tests {
		if got := isHomeDestination(c, tc.dest); got != tc.want {
			t.Fatalf("%s: got %t, want %t", tc.name, got, tc.want)
		}
	}
}
