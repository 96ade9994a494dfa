package credential_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sclevine/spec"
	"github.com/sclevine/spec/report"

	"github.com/ocibuild/ocibuild/credential"
	h "github.com/ocibuild/ocibuild/testhelpers"
)

func TestCredential(t *testing.T) {
	spec.Run(t, "Credential", testCredential, spec.Report(report.Terminal{}))
}

func testCredential(t *testing.T, when spec.G, it spec.S) {
	when("InMemory", func() {
		it("resolves a credential for a known host", func() {
			m := credential.InMemory{"example.com": {Username: "u", Password: "p"}}
			cred, err := m.Resolve("example.com")
			h.AssertNil(t, err)
			h.AssertEq(t, *cred, credential.Credential{Username: "u", Password: "p"})
		})

		it("returns nil, nil for an unknown host", func() {
			m := credential.InMemory{}
			cred, err := m.Resolve("example.com")
			h.AssertNil(t, err)
			h.AssertTrue(t, cred == nil)
		})
	})

	when("FromEnv", func() {
		it("reads REGISTRY_USERNAME/PASSWORD by default", func() {
			t.Setenv("REGISTRY_USERNAME", "envuser")
			t.Setenv("REGISTRY_PASSWORD", "envpass")
			cred, err := (credential.FromEnv{}).Resolve("example.com")
			h.AssertNil(t, err)
			h.AssertEq(t, *cred, credential.Credential{Username: "envuser", Password: "envpass"})
		})

		it("honors a custom prefix", func() {
			t.Setenv("MYREG_USERNAME", "u2")
			t.Setenv("MYREG_PASSWORD", "p2")
			cred, err := (credential.FromEnv{Prefix: "MYREG"}).Resolve("example.com")
			h.AssertNil(t, err)
			h.AssertEq(t, *cred, credential.Credential{Username: "u2", Password: "p2"})
		})

		it("returns nil, nil when the username variable is unset", func() {
			os.Unsetenv("REGISTRY_USERNAME")
			os.Unsetenv("REGISTRY_PASSWORD")
			cred, err := (credential.FromEnv{}).Resolve("example.com")
			h.AssertNil(t, err)
			h.AssertTrue(t, cred == nil)
		})
	})

	when("Chain", func() {
		it("returns the first non-nil credential in order", func() {
			chain := credential.Chain{
				credential.InMemory{},
				credential.InMemory{"example.com": {Username: "second", Password: "p"}},
				credential.InMemory{"example.com": {Username: "third", Password: "p"}},
			}
			cred, err := chain.Resolve("example.com")
			h.AssertNil(t, err)
			h.AssertEq(t, cred.Username, "second")
		})

		it("returns nil, nil when no provider has a match", func() {
			chain := credential.Chain{credential.InMemory{}, credential.InMemory{}}
			cred, err := chain.Resolve("example.com")
			h.AssertNil(t, err)
			h.AssertTrue(t, cred == nil)
		})

		it("propagates a provider's error", func() {
			chain := credential.Chain{failingProvider{}}
			_, err := chain.Resolve("example.com")
			h.AssertTrue(t, err != nil)
		})
	})

	when("DockerConfig", func() {
		it("resolves embedded username/password auth from config.json", func() {
			dir := t.TempDir()
			configJSON := `{"auths":{"registry.example.com":{"auth":"dXNlcjpwYXNz"}}}`
			h.AssertNil(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(configJSON), 0o600))
			t.Setenv("DOCKER_CONFIG", dir)

			cred, err := (credential.DockerConfig{}).Resolve("registry.example.com")
			h.AssertNil(t, err)
			h.AssertEq(t, *cred, credential.Credential{Username: "user", Password: "pass"})
		})

		it("returns nil, nil for a host with no configured auth", func() {
			dir := t.TempDir()
			h.AssertNil(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(`{"auths":{}}`), 0o600))
			t.Setenv("DOCKER_CONFIG", dir)

			cred, err := (credential.DockerConfig{}).Resolve("registry.example.com")
			h.AssertNil(t, err)
			h.AssertTrue(t, cred == nil)
		})
	})
}

type failingProvider struct{}

func (failingProvider) Resolve(registry string) (*credential.Credential, error) {
	return nil, os.ErrPermission
}
