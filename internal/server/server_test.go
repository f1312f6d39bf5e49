package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/go-logr/logr"

	"github.com/ia-eknorr/gitconfig-server/internal/encryption"
	"github.com/ia-eknorr/gitconfig-server/internal/environment"
)

// fakeRepo records the resolved triple and returns a canned environment.
type fakeRepo struct {
	env *environment.Environment
	err error

	application string
	profiles    []string
	label       string
}

func (f *fakeRepo) FindOne(_ context.Context, application string, profiles []string, label string) (*environment.Environment, error) {
	f.application = application
	f.profiles = profiles
	f.label = label
	if f.err != nil {
		return nil, f.err
	}
	env := *f.env
	env.Name = application
	env.Profiles = profiles
	return &env, nil
}

func (f *fakeRepo) Locations(_ context.Context, application string, profiles []string, label string) (*environment.Locations, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &environment.Locations{Application: application, Label: label, Version: f.env.Version}, nil
}

type fakeRefresher struct {
	forced int
}

func (f *fakeRefresher) ForceNextPull() { f.forced++ }

type noopEncryptor struct{}

func (noopEncryptor) Encrypt(text string) (string, error)   { return text, nil }
func (noopEncryptor) Decrypt(cipher string) (string, error) { return cipher, nil }

// generateRSAKeyPEM returns a fresh PEM key pair for encryption specs.
func generateRSAKeyPEM() (privatePEM, publicPEM string) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	Expect(err).NotTo(HaveOccurred())

	private := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	Expect(err).NotTo(HaveOccurred())
	public := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	return string(private), string(public)
}

func newTestServer(repo environment.Repository, chain *encryption.KeyChain, refresher Refresher) *Server {
	return &Server{
		Addr:      ":0",
		Repo:      repo,
		Refresher: refresher,
		Locator:   encryption.ChainLocator{Chain: chain},
		Metrics:   NewMetrics(),
		Log:       logr.Discard(),
	}
}

func do(s *Server, method, path, body, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)
	return rec
}

var _ = Describe("Environment endpoints", func() {
	var (
		repo   *fakeRepo
		server *Server
	)

	BeforeEach(func() {
		repo = &fakeRepo{env: &environment.Environment{
			Label:   "main",
			Version: "abc123def456abc123def456abc123def456abc1",
			PropertySources: []environment.PropertySource{
				{Name: "repo/myapp-dev.yml", Source: map[string]any{"server.port": 9090, "name": "dev"}},
				{Name: "repo/myapp.yml", Source: map[string]any{"server.port": 8080, "shared": true}},
			},
		}}
		server = newTestServer(repo, encryption.NewKeyChain(), &fakeRefresher{})
	})

	It("serves the environment as JSON", func() {
		rec := do(server, http.MethodGet, "/myapp/dev", "", "")
		Expect(rec.Code).To(Equal(http.StatusOK))

		var env environment.Environment
		Expect(json.Unmarshal(rec.Body.Bytes(), &env)).To(Succeed())
		Expect(env.Name).To(Equal("myapp"))
		Expect(env.Profiles).To(Equal([]string{"dev"}))
		Expect(env.Version).To(Equal(repo.env.Version))
		Expect(env.PropertySources).To(HaveLen(2))

		Expect(repo.label).To(BeEmpty())
	})

	It("passes the label through", func() {
		rec := do(server, http.MethodGet, "/myapp/dev/v1", "", "")
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(repo.label).To(Equal("v1"))
	})

	It("denormalises (_) in segments", func() {
		rec := do(server, http.MethodGet, "/team(_)myapp/dev/feature(_)x", "", "")
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(repo.application).To(Equal("team/myapp"))
		Expect(repo.label).To(Equal("feature/x"))
	})

	It("splits comma-separated profiles", func() {
		do(server, http.MethodGet, "/myapp/dev,prod", "", "")
		Expect(repo.profiles).To(Equal([]string{"dev", "prod"}))
	})

	It("maps a missing label to 404 NOT_FOUND", func() {
		repo.err = &environment.NoSuchLabelError{Label: "nope"}
		rec := do(server, http.MethodGet, "/myapp/default/nope", "", "")
		Expect(rec.Code).To(Equal(http.StatusNotFound))
		Expect(rec.Body.String()).To(ContainSubstring(`"status":"NOT_FOUND"`))
		Expect(rec.Body.String()).To(ContainSubstring("no such label"))
	})

	It("maps an unreachable repository to 404", func() {
		repo.err = &environment.NoSuchRepositoryError{URI: "https://example.com/repo.git"}
		rec := do(server, http.MethodGet, "/myapp/default", "", "")
		Expect(rec.Code).To(Equal(http.StatusNotFound))
	})

	It("maps other failures to 500 without leaking detail", func() {
		repo.err = &environment.LoadError{Cause: context.DeadlineExceeded}
		rec := do(server, http.MethodGet, "/myapp/default", "", "")
		Expect(rec.Code).To(Equal(http.StatusInternalServerError))
		Expect(rec.Body.String()).NotTo(ContainSubstring("deadline"))
	})

	It("renders the properties form", func() {
		rec := do(server, http.MethodGet, "/myapp-dev.properties", "", "")
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Header().Get("Content-Type")).To(HavePrefix("text/plain"))
		Expect(rec.Body.String()).To(ContainSubstring("server.port=9090"))
		Expect(rec.Body.String()).To(ContainSubstring("shared=true"))
		Expect(repo.profiles).To(Equal([]string{"dev"}))
	})

	It("renders the labelled yml form", func() {
		rec := do(server, http.MethodGet, "/main/myapp-dev.yml", "", "")
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(repo.label).To(Equal("main"))
		Expect(rec.Body.String()).To(ContainSubstring("port: 9090"))
	})

	It("renders the json form with nesting rebuilt", func() {
		rec := do(server, http.MethodGet, "/myapp-dev.json", "", "")
		Expect(rec.Code).To(Equal(http.StatusOK))

		var doc map[string]any
		Expect(json.Unmarshal(rec.Body.Bytes(), &doc)).To(Succeed())
		serverBlock, ok := doc["server"].(map[string]any)
		Expect(ok).To(BeTrue())
		Expect(serverBlock["port"]).To(BeEquivalentTo(9090))
	})

	It("rejects unknown single-segment resources", func() {
		rec := do(server, http.MethodGet, "/myapp-dev.exe", "", "")
		Expect(rec.Code).To(Equal(http.StatusNotFound))
	})
})

var _ = Describe("Encryption endpoints", func() {
	var (
		chain  *encryption.KeyChain
		server *Server
	)

	BeforeEach(func() {
		chain = encryption.NewKeyChain()
		server = newTestServer(&fakeRepo{env: &environment.Environment{}}, chain, &fakeRefresher{})
	})

	installSymmetric := func() {
		enc, err := encryption.NewSymmetricEncryptor("shared-secret")
		Expect(err).NotTo(HaveOccurred())
		chain.Install(enc)
	}

	It("round-trips plaintext through encrypt and decrypt", func() {
		installSymmetric()

		rec := do(server, http.MethodPost, "/encrypt", "hello", "text/plain")
		Expect(rec.Code).To(Equal(http.StatusOK))
		cipher := rec.Body.String()
		Expect(cipher).NotTo(Equal("hello"))

		rec = do(server, http.MethodPost, "/decrypt", cipher, "text/plain")
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(Equal("hello"))
	})

	It("preserves {key:...} prefixes on ciphertext", func() {
		installSymmetric()

		rec := do(server, http.MethodPost, "/encrypt", "{key:mykey}hello", "text/plain")
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(HavePrefix("{key:mykey}"))

		rec = do(server, http.MethodPost, "/decrypt", rec.Body.String(), "text/plain")
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(Equal("hello"))
	})

	It("answers NO_KEY when nothing is installed", func() {
		rec := do(server, http.MethodPost, "/encrypt", "hello", "text/plain")
		Expect(rec.Code).To(Equal(http.StatusNotFound))
		Expect(rec.Body.String()).To(ContainSubstring(`"status":"NO_KEY"`))
	})

	It("rejects a no-op encryptor as too weak", func() {
		chain.Install(noopEncryptor{})

		rec := do(server, http.MethodPost, "/encrypt", "hello", "text/plain")
		Expect(rec.Code).To(Equal(http.StatusNotFound))
		Expect(rec.Body.String()).To(ContainSubstring(`"status":"INVALID"`))
		Expect(rec.Body.String()).To(ContainSubstring("not strong enough"))
	})

	It("maps undecryptable text to INVALID", func() {
		installSymmetric()

		rec := do(server, http.MethodPost, "/decrypt", "deadbeef", "text/plain")
		Expect(rec.Code).To(Equal(http.StatusBadRequest))
		Expect(rec.Body.String()).To(ContainSubstring("Text not encrypted with this key"))
	})

	It("reports status OK for a healthy key", func() {
		installSymmetric()

		rec := do(server, http.MethodGet, "/encrypt/status", "", "")
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(ContainSubstring(`"status":"OK"`))
	})

	It("reports NO_KEY status without a key", func() {
		rec := do(server, http.MethodGet, "/encrypt/status", "", "")
		Expect(rec.Code).To(Equal(http.StatusNotFound))
		Expect(rec.Body.String()).To(ContainSubstring(`"status":"NO_KEY"`))
	})

	It("serves no public key for a symmetric encryptor", func() {
		installSymmetric()

		rec := do(server, http.MethodGet, "/key", "", "")
		Expect(rec.Code).To(Equal(http.StatusNotFound))
		Expect(rec.Body.String()).To(ContainSubstring("No public key available"))
	})
})

var _ = Describe("Encryption endpoints with an RSA key", func() {
	var (
		chain  *encryption.KeyChain
		server *Server
	)

	var publicPEM string

	BeforeEach(func() {
		chain = encryption.NewKeyChain()
		server = newTestServer(&fakeRepo{env: &environment.Environment{}}, chain, &fakeRefresher{})

		privatePEM, pubPEM := generateRSAKeyPEM()
		publicPEM = pubPEM
		Expect(encryption.InstallFromConfig(chain, encryption.KeyConfig{Key: privatePEM})).To(Succeed())
	})

	It("serves the PEM public key", func() {
		rec := do(server, http.MethodGet, "/key", "", "")
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(HavePrefix("-----BEGIN PUBLIC KEY-----"))
	})

	It("round-trips through the hybrid cipher", func() {
		rec := do(server, http.MethodPost, "/encrypt", "hello!", "text/plain")
		Expect(rec.Code).To(Equal(http.StatusOK))
		cipher := rec.Body.String()

		rec = do(server, http.MethodPost, "/decrypt", cipher, "text/plain")
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(Equal("hello!"))
	})

	It("recovers form-mangled base64 ciphertext", func() {
		rec := do(server, http.MethodPost, "/encrypt", "hello!", "text/plain")
		Expect(rec.Code).To(Equal(http.StatusOK))
		cipher := rec.Body.String()
		Expect(cipher).To(HaveSuffix("="))

		mangled := strings.ReplaceAll(cipher, "+", " ")
		rec = do(server, http.MethodPost, "/decrypt", mangled, "application/x-www-form-urlencoded")
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(Equal("hello!"))
	})

	It("refuses decryption with a public-only key", func() {
		Expect(encryption.InstallFromConfig(chain, encryption.KeyConfig{Key: publicPEM})).To(Succeed())

		rec := do(server, http.MethodPost, "/encrypt", "hello", "text/plain")
		Expect(rec.Code).To(Equal(http.StatusOK))

		rec = do(server, http.MethodPost, "/decrypt", rec.Body.String(), "text/plain")
		Expect(rec.Code).To(Equal(http.StatusBadRequest))
		Expect(rec.Body.String()).To(ContainSubstring("Server-side decryption is not supported"))
	})
})

var _ = Describe("Monitor endpoint", func() {
	It("forces the next pull on an accepted push", func() {
		refresher := &fakeRefresher{}
		server := newTestServer(&fakeRepo{env: &environment.Environment{}}, encryption.NewKeyChain(), refresher)

		rec := do(server, http.MethodPost, "/monitor", `{"ref":"refs/heads/main"}`, "application/json")
		Expect(rec.Code).To(Equal(http.StatusAccepted))
		Expect(refresher.forced).To(Equal(1))
	})
})
