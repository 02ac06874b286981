package pupstore_test

import (
	"testing"

	"github.com/getpup/pupstore/pkg"
)

func TestVersion(t *testing.T) {
	version := pupstore.Version()
	if version == "" {
		t.Error("Version() should return a non-empty string")
	}
}
