package identity_test

import (
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/api-gateway/internal/identity"
	"github.com/angeloszaimis/api-gateway/pkg/logger"
)

const secret = "test-secret"

var _ = Describe("Resolver", func() {
	var (
		resolver *identity.Resolver
		req      *http.Request
	)

	BeforeEach(func() {
		resolver = identity.NewResolver(secret, map[string]string{"mobile-app": "k-123"}, logger.Discard())
		req = httptest.NewRequest(http.MethodGet, "/api/v1/reservations", nil)
	})

	It("should resolve user and role from a valid bearer token", func() {
		token, err := identity.Generate(secret, "user-42", "agent", time.Minute)
		Expect(err).NotTo(HaveOccurred())
		req.Header.Set("Authorization", "Bearer "+token)

		id := resolver.Resolve(req)
		Expect(id.UserID).To(Equal("user-42"))
		Expect(id.Role).To(Equal("agent"))
		Expect(id.APIKeyID).To(BeEmpty())
	})

	It("should ignore tokens signed with another secret", func() {
		token, err := identity.Generate("other", "user-42", "agent", time.Minute)
		Expect(err).NotTo(HaveOccurred())
		req.Header.Set("Authorization", "Bearer "+token)

		Expect(resolver.Resolve(req).Authenticated()).To(BeFalse())
	})

	It("should ignore expired tokens", func() {
		token, err := identity.Generate(secret, "user-42", "agent", -time.Minute)
		Expect(err).NotTo(HaveOccurred())
		req.Header.Set("Authorization", "Bearer "+token)

		Expect(resolver.Resolve(req).UserID).To(BeEmpty())
	})

	It("should ignore non bearer schemes", func() {
		req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
		Expect(resolver.Resolve(req).Authenticated()).To(BeFalse())
	})

	It("should map a known API key to its id", func() {
		req.Header.Set(identity.HeaderAPIKey, "k-123")
		id := resolver.Resolve(req)
		Expect(id.APIKeyID).To(Equal("mobile-app"))
		Expect(id.Authenticated()).To(BeTrue())
	})

	It("should ignore unknown API keys", func() {
		req.Header.Set(identity.HeaderAPIKey, "nope")
		Expect(resolver.Resolve(req).APIKeyID).To(BeEmpty())
	})

	It("should combine token and key", func() {
		token, err := identity.Generate(secret, "user-7", "admin", time.Minute)
		Expect(err).NotTo(HaveOccurred())
		req.Header.Set("Authorization", "bearer "+token)
		req.Header.Set(identity.HeaderAPIKey, "k-123")

		id := resolver.Resolve(req)
		Expect(id.UserID).To(Equal("user-7"))
		Expect(id.APIKeyID).To(Equal("mobile-app"))
	})
})

var _ = Describe("Parse", func() {
	It("should reject garbage", func() {
		_, err := identity.Parse([]byte(secret), "not-a-token")
		Expect(err).To(MatchError(identity.ErrInvalidToken))
	})
})
