package errs_test

import (
	"errors"
	"regexp"
	"testing"

	"github.com/sclevine/spec"
	"github.com/sclevine/spec/report"

	"github.com/ocibuild/ocibuild/errs"
	h "github.com/ocibuild/ocibuild/testhelpers"
)

func TestErrs(t *testing.T) {
	spec.Run(t, "Errs", testErrs, spec.Report(report.Terminal{}))
}

func testErrs(t *testing.T, when spec.G, it spec.S) {
	when("#New", func() {
		it("formats the operation and cause", func() {
			err := errs.New(errs.KindTransport, "pulling manifest for gcr.io/x/y:z", errors.New("connection refused"))
			h.AssertMatch(t, err.Error(), regexp.MustCompile("pulling manifest.*connection refused"))
		})

		it("substitutes a placeholder cause when none is given", func() {
			err := errs.New(errs.KindCancelled, "doing work", nil)
			h.AssertTrue(t, err.Cause != nil)
		})

		it("appends a hint in parens when set", func() {
			err := errs.New(errs.KindAuthentication, "pushing layer", errors.New("401")).
				WithHint("configure sendCredentialsOverHttp")
			h.AssertMatch(t, err.Error(), regexp.MustCompile(`\(configure sendCredentialsOverHttp\)$`))
		})
	})

	when("#KindOf", func() {
		it("extracts the Kind through wrapping", func() {
			err := errs.New(errs.KindChecksumMismatch, "verifying blob", errors.New("mismatch"))
			wrapped := fmtWrap(err)
			kind, ok := errs.KindOf(wrapped)
			h.AssertTrue(t, ok)
			h.AssertEq(t, kind, errs.KindChecksumMismatch)
		})

		it("reports false for a plain error", func() {
			_, ok := errs.KindOf(errors.New("plain"))
			h.AssertTrue(t, !ok)
		})
	})

	when("#Is", func() {
		it("matches errors.Is by Kind, ignoring operation and cause", func() {
			a := errs.New(errs.KindTransport, "op a", errors.New("x"))
			b := errs.New(errs.KindTransport, "op b", errors.New("y"))
			h.AssertTrue(t, errors.Is(a, b))
		})

		it("does not match a different Kind", func() {
			a := errs.New(errs.KindTransport, "op", errors.New("x"))
			b := errs.New(errs.KindCacheCorrupted, "op", errors.New("x"))
			h.AssertTrue(t, !errors.Is(a, b))
		})
	})

	when("#Retryable", func() {
		it("is true only for Transport", func() {
			h.AssertTrue(t, errs.Retryable(errs.KindTransport))
			h.AssertTrue(t, !errs.Retryable(errs.KindCacheCorrupted))
			h.AssertTrue(t, !errs.Retryable(errs.KindRegistryProtocol))
			h.AssertTrue(t, !errs.Retryable(errs.KindNonRetryable))
		})
	})
}

func fmtWrap(err error) error {
	return &wrapper{err}
}

type wrapper struct{ err error }

func (w *wrapper) Error() string { return "wrapped: " + w.err.Error() }
func (w *wrapper) Unwrap() error { return w.err }
