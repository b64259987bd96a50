package apierr_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/api-gateway/internal/apierr"
	"github.com/angeloszaimis/api-gateway/internal/registry"
	"github.com/angeloszaimis/api-gateway/internal/reqctx"
)

var _ = Describe("Error", func() {
	It("should unwrap to both kind and cause", func() {
		cause := errors.New("dial tcp: connection refused")
		err := apierr.UpstreamConnection("payments", cause)

		Expect(errors.Is(err, apierr.ErrUpstreamConnection)).To(BeTrue())
		Expect(errors.Is(err, cause)).To(BeTrue())
		Expect(err.Error()).To(Equal("payments: upstream connection error: dial tcp: connection refused"))
	})

	It("should treat the registry miss as NotRegistered", func() {
		err := fmt.Errorf("%w: /nope", registry.ErrNotRegistered)
		Expect(apierr.Classify(err).Status).To(Equal(http.StatusNotFound))
	})

	DescribeTable("Classify",
		func(err error, status int) {
			Expect(apierr.Classify(err).Status).To(Equal(status))
		},
		Entry("breaker open", apierr.BreakerOpen("payments", 0), http.StatusServiceUnavailable),
		Entry("timeout", apierr.UpstreamTimeout("payments", nil), http.StatusGatewayTimeout),
		Entry("wrapped timeout", fmt.Errorf("attempt 2: %w", apierr.ErrUpstreamTimeout), http.StatusGatewayTimeout),
		Entry("rate limited", apierr.RateLimited(time.Second), http.StatusTooManyRequests),
		Entry("unauthorized", apierr.Unauthorized(), http.StatusUnauthorized),
		Entry("forbidden", apierr.Forbidden("billing-app"), http.StatusForbidden),
		Entry("unknown", errors.New("weird"), http.StatusBadGateway),
	)
})

var _ = Describe("Write", func() {
	var (
		rec *httptest.ResponseRecorder
		req *http.Request
	)

	BeforeEach(func() {
		rec = httptest.NewRecorder()
		req = httptest.NewRequest(http.MethodGet, "/api/v1/payments", nil)
		req = req.WithContext(reqctx.NewContext(req.Context(), reqctx.ProxyContext{CorrelationID: "corr-1"}))
	})

	decode := func() apierr.Body {
		var body apierr.Body
		Expect(json.Unmarshal(rec.Body.Bytes(), &body)).To(Succeed())
		return body
	}

	It("should render a breaker rejection", func() {
		apierr.Write(rec, req, apierr.BreakerOpen("payments", 1500*time.Millisecond), false)

		Expect(rec.Code).To(Equal(http.StatusServiceUnavailable))
		Expect(rec.Header().Get("Content-Type")).To(Equal("application/json"))
		Expect(rec.Header().Get("Retry-After")).To(Equal("2"))
		Expect(rec.Header().Get(reqctx.HeaderCorrelationID)).To(Equal("corr-1"))

		body := decode()
		Expect(body.Status).To(Equal(503))
		Expect(body.Error).To(Equal("BreakerOpen"))
		Expect(body.CorrelationID).To(Equal("corr-1"))
		Expect(body.Service).To(Equal("payments"))
	})

	It("should include detail only when verbose", func() {
		err := apierr.UpstreamTimeout("payments", errors.New("context deadline exceeded"))

		apierr.Write(rec, req, err, false)
		Expect(decode().Detail).To(BeEmpty())

		rec = httptest.NewRecorder()
		apierr.Write(rec, req, err, true)
		body := decode()
		Expect(body.Status).To(Equal(http.StatusGatewayTimeout))
		Expect(body.Error).To(Equal("UpstreamTimeout"))
		Expect(body.Detail).To(Equal("context deadline exceeded"))
	})
})
