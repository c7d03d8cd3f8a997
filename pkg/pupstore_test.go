package pupstore_test

import (
	"strings"
	"testing"

	"github.com/getpup/pupstore/pkg"
)

func TestVersion(t *testing.T) {
	version := pupstore.Version()
	if version == "" {
		t.Error("Version() should return a non-empty string")
	}
	if !strings.HasPrefix(version, "0.") {
		t.Errorf("Version() = %q, want a 0.x version", version)
	}
}
