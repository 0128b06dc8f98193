package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/hashicorp/go-retryablehttp"

	"votepulse/internal/model"
)

// TokenVerifier checks a captcha token issued by an external provider.
// Issuance is out of scope; only verification happens here.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) error
}

// Bypass accepts every token. Used when no captcha provider is configured.
type Bypass struct{}

func (Bypass) Verify(context.Context, string) error { return nil }

// HTTPVerifier verifies tokens against a provider endpoint with the
// hcaptcha/recaptcha response shape. Transient provider faults are retried by
// the underlying client before failing the check.
type HTTPVerifier struct {
	client   *retryablehttp.Client
	endpoint string
	secret   string
}

func NewHTTPVerifier(endpoint, secret string) *HTTPVerifier {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.Logger = nil
	return &HTTPVerifier{client: client, endpoint: endpoint, secret: secret}
}

type verifyResponse struct {
	Success    bool     `json:"success"`
	ErrorCodes []string `json:"error-codes"`
}

func (v *HTTPVerifier) Verify(ctx context.Context, token string) error {
	form := url.Values{}
	form.Set("response", token)
	if v.secret != "" {
		form.Set("secret", v.secret)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, v.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build verify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.client.Do(req)
	if err != nil {
		return model.RejectRetryable(model.CodeTransientStoreFailure, "captcha provider unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return model.RejectRetryable(model.CodeTransientStoreFailure, "captcha provider returned %d", resp.StatusCode)
	}

	var parsed verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("decode verify response: %w", err)
	}
	if !parsed.Success {
		return model.Reject(model.CodeVerificationFailed, "verification failed")
	}
	return nil
}
