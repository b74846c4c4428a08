package version

import "testing"

func TestFull(t *testing.T) {
	oldV, oldC := Version, Commit
	defer func() { Version, Commit = oldV, oldC }()

	Version, Commit = "1.2.0", ""
	if got := Full(); got != "1.2.0" {
		t.Fatalf("Full() = %q", got)
	}
	Commit = "abc123"
	if got := Full(); got != "1.2.0+abc123" {
		t.Fatalf("Full() = %q", got)
	}
}
