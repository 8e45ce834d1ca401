package secretscan

import "testing"

func TestLooksLikeSecret(t *testing.T) {
	cases := map[string]bool{
		"gs":              false,
		"ll":              false,
		"deploy":          false,
		"AWS_API_KEY":     true,
		"github-token":    true,
		"db_password":     true,
		"private_key_ref": true,
	}
	for name, want := range cases {
		if got := LooksLikeSecret(name); got != want {
			t.Errorf("LooksLikeSecret(%q) = %v, want %v", name, got, want)
		}
	}
}
