package registry

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/docker/distribution/registry/api/errcode"
	"github.com/pkg/errors"

	"github.com/ocibuild/ocibuild/errs"
)

// errorEnvelope mirrors the registry's `{errors:[{code,message,detail}]}`
// body shape, which docker/distribution's errcode package defines the
// canonical codes for (spec.md §4.5).
type errorEnvelope struct {
	Errors errcode.Errors `json:"errors"`
}

// classify turns an HTTP status plus (optional) error-envelope body into a
// typed *errs.Error, per spec.md §4.5/§7: TOOMANYREQUESTS/429/5xx are
// retryable, MANIFEST_INVALID/UNAUTHORIZED/DENIED are fatal.
func classify(operation string, statusCode int, body io.Reader) error {
	var env errorEnvelope
	raw, _ := io.ReadAll(body)
	_ = json.Unmarshal(raw, &env)

	kind := errs.KindRegistryProtocol
	switch {
	case statusCode == http.StatusUnauthorized:
		kind = errs.KindAuthentication
	case statusCode == http.StatusForbidden:
		kind = errs.KindAuthorization
	case statusCode == http.StatusTooManyRequests, statusCode >= 500:
		kind = errs.KindTransport
	}

	if len(env.Errors) > 0 {
		first := env.Errors[0]
		switch first.Code {
		case errcode.ErrorCodeDenied:
			kind = errs.KindAuthorization
		case errcode.ErrorCodeUnauthorized:
			kind = errs.KindAuthentication
		case errcode.ErrorCodeTooManyRequests:
			kind = errs.KindTransport
		}
		return errs.New(kind, operation, errors.New(first.Message))
	}

	return errs.New(kind, operation, errors.Errorf("unexpected status %d: %s", statusCode, string(raw)))
}
