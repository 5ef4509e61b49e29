package secrets

import "testing"

func TestVersionName(t *testing.T) {
	got := versionName("trading-prod", "microflow-api-key")
	if got != "projects/trading-prod/secrets/microflow-api-key/versions/latest" {
		t.Fatalf("version name %q", got)
	}
}
