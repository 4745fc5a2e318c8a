// Package captcha wraps the external human-verification oracle.
package captcha

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Engin1980/eng-task-grading-sub001/internal/apperr"
)

type Oracle interface {
	Verify(ctx context.Context, proof string) error
}

// Disabled passes every proof. Used when CAPTCHA_ENABLED is off.
type Disabled struct{}

func (Disabled) Verify(context.Context, string) error { return nil }

// HTTPOracle verifies proofs against a reCAPTCHA-style siteverify
// endpoint. Rejections surface the provider's error codes; transport
// failures are internal errors, never silent passes.
type HTTPOracle struct {
	client    *http.Client
	secret    string
	verifyURL string
}

func NewHTTPOracle(secret, verifyURL string, timeout time.Duration) *HTTPOracle {
	return &HTTPOracle{
		client:    &http.Client{Timeout: timeout},
		secret:    secret,
		verifyURL: verifyURL,
	}
}

type verifyResponse struct {
	Success    bool     `json:"success"`
	ErrorCodes []string `json:"error-codes"`
}

func (o *HTTPOracle) Verify(ctx context.Context, proof string) error {
	if strings.TrimSpace(proof) == "" {
		return &apperr.CaptchaError{Codes: []string{"missing-input-response"}}
	}

	form := url.Values{}
	form.Set("secret", o.secret)
	form.Set("response", proof)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.verifyURL, strings.NewReader(form.Encode()))
	if err != nil {
		return apperr.Internal(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := o.client.Do(req)
	if err != nil {
		return apperr.Internal(err)
	}
	defer resp.Body.Close()

	var result verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return apperr.Internal(err)
	}
	if !result.Success {
		return &apperr.CaptchaError{Codes: result.ErrorCodes}
	}
	return nil
}
