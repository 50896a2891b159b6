package track

import "testing"

func TestAvailable(t *testing.T) {
	cases := []struct {
		name string
		t    Track
		want bool
	}{
		{"playable", Track{URL: "http://a.mp3"}, true},
		{"pending", Track{URL: "http://a.mp3", IsPending: true}, false},
		{"suggested", Track{URL: "http://a.mp3", IsSuggested: true}, false},
		{"no url", Track{}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.t.Available(); got != tc.want {
				t.Errorf("Available() = %v, want %v", got, tc.want)
			}
		})
	}
}
