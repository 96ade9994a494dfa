package registry

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"

	"github.com/ocibuild/ocibuild/blob"
	"github.com/ocibuild/ocibuild/credential"
	"github.com/ocibuild/ocibuild/errs"
	"github.com/ocibuild/ocibuild/transport"
)

// Challenge is a parsed `WWW-Authenticate: Bearer realm=...,service=...`
// header, per spec.md §4.5.
type Challenge struct {
	Realm   string
	Service string
	Scope   string
}

var challengeParamRE = regexp.MustCompile(`(\w+)="([^"]*)"`)

// ParseChallenge parses the header value of a 401 response's
// WWW-Authenticate header.
func ParseChallenge(header string) (Challenge, error) {
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return Challenge{}, errs.New(errs.KindAuthentication, "parsing auth challenge", errors.Errorf("unsupported challenge scheme: %s", header))
	}
	var c Challenge
	for _, m := range challengeParamRE.FindAllStringSubmatch(header, -1) {
		switch m[1] {
		case "realm":
			c.Realm = m[2]
		case "service":
			c.Service = m[2]
		case "scope":
			c.Scope = m[2]
		}
	}
	if c.Realm == "" {
		return Challenge{}, errs.New(errs.KindAuthentication, "parsing auth challenge", errors.New("missing realm"))
	}
	return c, nil
}

// PullScope, PushPullScope and MountSourceScope build spec.md §4.5's
// minimal scope strings.
func PullScope(repo string) string          { return fmt.Sprintf("repository:%s:pull", repo) }
func PushPullScope(repo string) string      { return fmt.Sprintf("repository:%s:push,pull", repo) }
func MountSourceScope(repo string) string   { return PullScope(repo) }

// token is a cached bearer token plus its expiry, decoded from the JWT's
// `exp` claim when present, else from the response's expires_in (a token
// with neither is treated as always-fresh within the process).
type token struct {
	raw     string
	expires time.Time
}

func (t token) expired() bool {
	return !t.expires.IsZero() && time.Now().After(t.expires.Add(-10*time.Second))
}

// Authenticator obtains and caches bearer tokens per (realm, service,
// scopes), per spec.md §4.5. Guarded by a single lock, matching spec.md
// §5's "Bearer-token cache is process-local and guarded by a single lock."
type Authenticator struct {
	client *transport.Client
	creds  credential.Provider

	mu    sync.Mutex
	cache map[string]token
}

func NewAuthenticator(client *transport.Client, creds credential.Provider) *Authenticator {
	return &Authenticator{client: client, creds: creds, cache: map[string]token{}}
}

func cacheKey(c Challenge, registryHost string) string {
	return registryHost + "|" + c.Realm + "|" + c.Service + "|" + c.Scope
}

// Authorization returns an "Bearer <token>" header value for the given
// challenge, obtaining and caching a token as needed.
func (a *Authenticator) Authorization(ctx context.Context, registryHost string, c Challenge) (string, error) {
	key := cacheKey(c, registryHost)

	a.mu.Lock()
	cached, ok := a.cache[key]
	a.mu.Unlock()
	if ok && !cached.expired() {
		return "Bearer " + cached.raw, nil
	}

	tok, err := a.fetchToken(ctx, registryHost, c)
	if err != nil {
		return "", err
	}

	a.mu.Lock()
	a.cache[key] = tok
	a.mu.Unlock()
	return "Bearer " + tok.raw, nil
}

type tokenResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// fetchToken implements spec.md §4.5's "obtain a bearer token using any
// of: basic-auth against the realm, credential-helper protocol, or an
// in-memory credential."
func (a *Authenticator) fetchToken(ctx context.Context, registryHost string, c Challenge) (token, error) {
	cred, err := a.creds.Resolve(registryHost)
	if err != nil {
		return token{}, errs.New(errs.KindAuthentication, "resolving credentials for "+registryHost, err)
	}

	reqURL := c.Realm + "?service=" + url.QueryEscape(c.Service)
	if c.Scope != "" {
		reqURL += "&scope=" + url.QueryEscape(c.Scope)
	}

	var authHeader string
	if cred != nil && cred.IdentityToken != "" {
		reqURL += "&grant_type=refresh_token"
	} else if cred != nil {
		authHeader = "Basic " + base64.StdEncoding.EncodeToString([]byte(cred.Username+":"+cred.Password))
	}

	resp, err := a.client.Call(ctx, transport.Request{
		Method:        http.MethodGet,
		URL:           reqURL,
		Body:          blob.Empty{},
		Authorization: authHeader,
	})
	if err != nil {
		return token{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return token{}, errs.New(errs.KindAuthentication, "fetching bearer token", errors.Errorf("status %d", resp.StatusCode))
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return token{}, errs.New(errs.KindRegistryProtocol, "decoding token response", err)
	}
	raw := tr.Token
	if raw == "" {
		raw = tr.AccessToken
	}
	if raw == "" {
		return token{}, errs.New(errs.KindAuthentication, "fetching bearer token", errors.New("empty token in response"))
	}

	return token{raw: raw, expires: tokenExpiry(raw, tr.ExpiresIn)}, nil
}

// tokenExpiry prefers the JWT `exp` claim (most bearer tokens issued by
// Docker Hub/GCR/ECR are JWTs); falls back to expires_in, then to "treat as
// fresh for this process".
func tokenExpiry(raw string, expiresIn int) time.Time {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(raw, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	if expiresIn > 0 {
		return time.Now().Add(time.Duration(expiresIn) * time.Second)
	}
	return time.Time{}
}
