// Package credential implements spec.md §6's consumed credential-provider
// interface: username/password, identity token, and the three concrete
// sources (in-memory, environment, credential-helper subprocess, plus the
// Docker CLI config file as a fourth, idiomatic addition).
package credential

import (
	"os"
	"strings"

	dockerconfig "github.com/docker/cli/cli/config"
	"github.com/docker/docker-credential-helpers/client"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
)

// Credential is a resolved (username, password) pair OR an identity token,
// per spec.md §6.
type Credential struct {
	Username      string
	Password      string
	IdentityToken string
}

// Provider resolves credentials for a registry host. Returns (nil, nil)
// when there is no credential for the host — not an error.
type Provider interface {
	Resolve(registry string) (*Credential, error)
}

// InMemory is a static credential for a fixed set of hosts.
type InMemory map[string]Credential

func (m InMemory) Resolve(registry string) (*Credential, error) {
	if c, ok := m[registry]; ok {
		return &c, nil
	}
	return nil, nil
}

// FromEnv reads `<PREFIX>_USERNAME`/`<PREFIX>_PASSWORD` environment
// variables, where PREFIX defaults to "REGISTRY".
type FromEnv struct {
	Prefix string
}

func (e FromEnv) Resolve(registry string) (*Credential, error) {
	prefix := e.Prefix
	if prefix == "" {
		prefix = "REGISTRY"
	}
	user := os.Getenv(prefix + "_USERNAME")
	pass := os.Getenv(prefix + "_PASSWORD")
	if user == "" {
		return nil, nil
	}
	return &Credential{Username: user, Password: pass}, nil
}

// HelperProtocol is spec.md §6's credential-helper subprocess protocol: the
// helper reads the server URL from stdin and writes JSON
// {ServerURL,Username,Secret} to stdout; empty stdout means no credential.
type HelperProtocol struct {
	// HelperName, e.g. "osxkeychain" invokes "docker-credential-osxkeychain".
	HelperName string
}

func (h HelperProtocol) Resolve(registry string) (*Credential, error) {
	creds, err := client.Get(client.NewShellProgramFunc("docker-credential-"+h.HelperName), registry)
	if err != nil {
		if isHelperNotFound(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "invoking credential helper %s", h.HelperName)
	}
	if creds.Username == "" && creds.Secret == "" {
		return nil, nil
	}
	if creds.Username == "<token>" {
		return &Credential{IdentityToken: creds.Secret}, nil
	}
	return &Credential{Username: creds.Username, Password: creds.Secret}, nil
}

func isHelperNotFound(err error) bool {
	return strings.Contains(err.Error(), "credentials not found") || strings.Contains(err.Error(), "not found")
}

// DockerConfig reads ~/.docker/config.json (or $DOCKER_CONFIG), resolving
// either embedded auth or delegating to a configured credsStore/credHelper,
// matching how `docker login` state is normally consumed.
type DockerConfig struct{}

func (DockerConfig) Resolve(registry string) (*Credential, error) {
	configDir := os.Getenv("DOCKER_CONFIG")
	if configDir == "" {
		home, err := homedir.Dir()
		if err != nil {
			return nil, errors.Wrap(err, "resolving home directory")
		}
		configDir = home + "/.docker"
	}

	cfg, err := dockerconfig.Load(configDir)
	if err != nil {
		return nil, errors.Wrap(err, "loading docker config")
	}

	authCfg, err := cfg.GetAuthConfig(registry)
	if err != nil {
		return nil, errors.Wrap(err, "reading auth config")
	}
	if authCfg.IdentityToken != "" {
		return &Credential{IdentityToken: authCfg.IdentityToken}, nil
	}
	if authCfg.Username != "" || authCfg.Password != "" {
		return &Credential{Username: authCfg.Username, Password: authCfg.Password}, nil
	}
	return nil, nil
}

// Chain tries providers in order, returning the first non-nil credential.
type Chain []Provider

func (c Chain) Resolve(registry string) (*Credential, error) {
	for _, p := range c {
		cred, err := p.Resolve(registry)
		if err != nil {
			return nil, err
		}
		if cred != nil {
			return cred, nil
		}
	}
	return nil, nil
}
