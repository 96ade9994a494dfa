package registry_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	digest "github.com/opencontainers/go-digest"
	"github.com/sclevine/spec"
	"github.com/sclevine/spec/report"

	"github.com/ocibuild/ocibuild/blob"
	"github.com/ocibuild/ocibuild/credential"
	"github.com/ocibuild/ocibuild/imagemodel"
	"github.com/ocibuild/ocibuild/registry"
	"github.com/ocibuild/ocibuild/transport"
	h "github.com/ocibuild/ocibuild/testhelpers"
)

func TestClient(t *testing.T) {
	spec.Run(t, "Client", testClient, spec.Report(report.Terminal{}))
}

func testClient(t *testing.T, when spec.G, it spec.S) {
	var servers []*httptest.Server

	it.After(func() {
		for _, s := range servers {
			s.Close()
		}
	})

	newClient := func(handler http.HandlerFunc) *registry.Client {
		server := httptest.NewServer(handler)
		servers = append(servers, server)
		u, err := url.Parse(server.URL)
		h.AssertNil(t, err)
		tc := transport.New(transport.Config{AllowInsecure: true, SendCredentialsOverHTTP: true}, nil)
		return registry.NewClient(u.Host, tc, credential.InMemory{})
	}

	when("#Ping", func() {
		it("succeeds when /v2/ returns 200", func() {
			c := newClient(func(w http.ResponseWriter, r *http.Request) {
				h.AssertEq(t, r.URL.Path, "/v2/")
				w.WriteHeader(http.StatusOK)
			})
			err := c.Ping(context.Background())
			h.AssertNil(t, err)
		})
	})

	when("#GetManifest", func() {
		it("returns the raw bytes and parses a manifest list", func() {
			listJSON := []byte(`{"schemaVersion":2,"mediaType":"application/vnd.docker.distribution.manifest.list.v2+json","manifests":[{"mediaType":"application/vnd.docker.distribution.manifest.v2+json","size":10,"digest":"sha256:` + strings.Repeat("a", 64) + `","platform":{"architecture":"amd64","os":"linux"}}]}`)
			c := newClient(func(w http.ResponseWriter, r *http.Request) {
				h.AssertEq(t, r.URL.Path, "/v2/library/busybox/manifests/latest")
				w.Header().Set("Content-Type", "application/vnd.docker.distribution.manifest.list.v2+json")
				w.Write(listJSON)
			})

			result, err := c.GetManifest(context.Background(), "library/busybox", "latest")
			h.AssertNil(t, err)
			h.AssertEq(t, string(result.Bytes), string(listJSON))
			if result.List == nil {
				t.Fatal("expected parsed manifest list")
			}
			entry, err := imagemodel.SelectPlatform(*result.List, "amd64", "linux")
			h.AssertNil(t, err)
			h.AssertEq(t, entry.Platform.OS, "linux")
		})

		it("retries with a bearer token after a 401 challenge", func() {
			tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"token":"abc123"}`))
			}))
			defer tokenServer.Close()

			authed := false
			c := newClient(func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get("Authorization") == "Bearer abc123" {
					authed = true
					w.Header().Set("Content-Type", "application/vnd.docker.distribution.manifest.v2+json")
					w.Write([]byte(`{"schemaVersion":2}`))
					return
				}
				w.Header().Set("WWW-Authenticate", `Bearer realm="`+tokenServer.URL+`",service="registry.example"`)
				w.WriteHeader(http.StatusUnauthorized)
			})

			_, err := c.GetManifest(context.Background(), "library/busybox", "latest")
			h.AssertNil(t, err)
			h.AssertTrue(t, authed)
		})
	})

	when("#HasBlob", func() {
		it("returns true on 200 and false on 404", func() {
			d := digest.FromString("layer-bytes")
			c := newClient(func(w http.ResponseWriter, r *http.Request) {
				if strings.HasSuffix(r.URL.Path, d.Encoded()) {
					w.WriteHeader(http.StatusOK)
					return
				}
				w.WriteHeader(http.StatusNotFound)
			})

			present, err := c.HasBlob(context.Background(), "library/busybox", d)
			h.AssertNil(t, err)
			h.AssertTrue(t, present)

			absent, err := c.HasBlob(context.Background(), "library/busybox", digest.FromString("other"))
			h.AssertNil(t, err)
			h.AssertEq(t, absent, false)
		})
	})

	when("#GetBlob", func() {
		it("streams the body and verifies the digest", func() {
			content := []byte("layer contents")
			d := digest.FromBytes(content)
			c := newClient(func(w http.ResponseWriter, r *http.Request) {
				w.Write(content)
			})

			var buf strings.Builder
			n, err := c.GetBlob(context.Background(), "library/busybox", d, &buf)
			h.AssertNil(t, err)
			h.AssertEq(t, n, int64(len(content)))
			h.AssertEq(t, buf.String(), string(content))
		})

		it("fails with a checksum mismatch error when content doesn't match", func() {
			c := newClient(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("wrong content"))
			})
			_, err := c.GetBlob(context.Background(), "library/busybox", digest.FromString("expected"), io.Discard)
			h.AssertError(t, err, "checksum")
		})
	})

	when("#MountBlob", func() {
		it("reports a successful mount on 201", func() {
			c := newClient(func(w http.ResponseWriter, r *http.Request) {
				h.AssertEq(t, r.Method, http.MethodPost)
				w.WriteHeader(http.StatusCreated)
			})
			mounted, err := c.MountBlob(context.Background(), "app/image", digest.FromString("x"), "library/base")
			h.AssertNil(t, err)
			h.AssertTrue(t, mounted)
		})

		it("reports a declined mount on 202", func() {
			c := newClient(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusAccepted)
			})
			mounted, err := c.MountBlob(context.Background(), "app/image", digest.FromString("x"), "library/base")
			h.AssertNil(t, err)
			h.AssertEq(t, mounted, false)
		})
	})

	when("#PushBlob", func() {
		it("uploads monolithically via POST then PUT for small blobs", func() {
			var posted, committed bool
			c := newClient(func(w http.ResponseWriter, r *http.Request) {
				switch {
				case r.Method == http.MethodPost:
					posted = true
					w.Header().Set("Location", "/v2/app/image/blobs/uploads/session-1")
					w.WriteHeader(http.StatusAccepted)
				case r.Method == http.MethodPut:
					committed = true
					h.AssertTrue(t, strings.Contains(r.URL.RawQuery, "digest="))
					w.WriteHeader(http.StatusCreated)
				}
			})

			desc, err := c.PushBlob(context.Background(), "app/image", blob.FromBytes{Data: []byte("layer")}, 5)
			h.AssertNil(t, err)
			h.AssertTrue(t, posted)
			h.AssertTrue(t, committed)
			h.AssertEq(t, desc.Size, int64(5))
		})
	})

	when("#PutManifest", func() {
		it("pushes the exact bytes with the format's media type", func() {
			data := []byte(`{"schemaVersion":2}`)
			c := newClient(func(w http.ResponseWriter, r *http.Request) {
				h.AssertEq(t, r.Header.Get("Content-Type"), string(imagemodel.MediaTypeDockerManifestV2))
				body, _ := io.ReadAll(r.Body)
				h.AssertEq(t, string(body), string(data))
				w.WriteHeader(http.StatusCreated)
			})
			err := c.PutManifest(context.Background(), "app/image", "v1", imagemodel.MediaTypeDockerManifestV2, data)
			h.AssertNil(t, err)
		})
	})
}
