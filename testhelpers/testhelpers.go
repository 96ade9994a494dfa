// Package testhelpers centralizes test fixtures shared across the module's
// _test.go files, in the style of the teacher's own testhelpers package:
// small assertion wrappers over go-cmp rather than a third assertion
// library, plus a random-string helper. Fakes such as test servers and
// temp directories are built inside each test file.
package testhelpers

import (
	"math/rand"
	"regexp"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func RandString(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = 'a' + byte(rand.Intn(26))
	}
	return string(b)
}

func AssertEq(t *testing.T, actual, expected interface{}) {
	t.Helper()
	if diff := cmp.Diff(actual, expected); diff != "" {
		t.Fatal(diff)
	}
}

func AssertNotEq(t *testing.T, v1, v2 interface{}) {
	t.Helper()
	if diff := cmp.Diff(v1, v2); diff == "" {
		t.Fatalf("expected values not to be equal, both equal to %v", v1)
	}
}

func AssertMatch(t *testing.T, actual string, expected *regexp.Regexp) {
	t.Helper()
	if !expected.MatchString(actual) {
		t.Fatalf("expected %q to match %s", actual, expected)
	}
}

func AssertError(t *testing.T, actual error, expected string) {
	t.Helper()
	if actual == nil {
		t.Fatalf("expected an error but got nil")
	}
	if !strings.Contains(actual.Error(), expected) {
		t.Fatalf("expected error to contain %q, got %q", expected, actual.Error())
	}
}

func AssertNil(t *testing.T, actual interface{}) {
	t.Helper()
	if actual != nil {
		t.Fatalf("expected nil: %v", actual)
	}
}

func AssertTrue(t *testing.T, actual bool) {
	t.Helper()
	if !actual {
		t.Fatalf("expected true")
	}
}
