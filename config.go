// Package ocibuild implements spec.md's daemonless container image build
// pipeline: it resolves a base image, builds reproducible layers, caches
// them, and assembles + commits the result to one of four sinks.
package ocibuild

import (
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ocibuild/ocibuild/errs"
)

// BuilderConfig is the ambient configuration every build reads, per
// spec.md §6's enumerated environment variables. It replaces legacy
// System-property globals with fields threaded from the environment once,
// at startup.
type BuilderConfig struct {
	SendCredentialsOverHTTP bool
	Serialize               bool
	AllowInsecureRegistries bool
	HTTPTimeout             time.Duration
	Logger                  *logrus.Entry
}

// LoadBuilderConfig reads spec.md §6's four environment variables:
// sendCredentialsOverHttp, serialize, allowInsecureRegistries (bools),
// and httpTimeout (non-negative integer milliseconds; negative or
// non-integer is InvalidBuildPlan).
func LoadBuilderConfig() (BuilderConfig, error) {
	cfg := BuilderConfig{Logger: logrus.NewEntry(logrus.StandardLogger())}

	cfg.SendCredentialsOverHTTP = boolEnv("sendCredentialsOverHttp")
	cfg.Serialize = boolEnv("serialize")
	cfg.AllowInsecureRegistries = boolEnv("allowInsecureRegistries")

	timeoutStr := os.Getenv("httpTimeout")
	if timeoutStr == "" {
		cfg.HTTPTimeout = 30 * time.Second
		return cfg, nil
	}

	ms, err := strconv.Atoi(timeoutStr)
	if err != nil {
		return BuilderConfig{}, errs.New(errs.KindInvalidBuildPlan, "parsing httpTimeout", errors.Errorf("not an integer: %q", timeoutStr))
	}
	if ms < 0 {
		return BuilderConfig{}, errs.New(errs.KindInvalidBuildPlan, "parsing httpTimeout", errors.Errorf("must be non-negative: %d", ms))
	}
	cfg.HTTPTimeout = time.Duration(ms) * time.Millisecond
	return cfg, nil
}

func boolEnv(name string) bool {
	v, _ := strconv.ParseBool(os.Getenv(name))
	return v
}
