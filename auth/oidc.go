// Package auth verifies callers of the HTTP surface: OIDC bearer tokens and
// bcrypt-checked basic credentials.
package auth

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"slices"
	"strings"
	"time"

	coreoidc "github.com/coreos/go-oidc/v3/oidc"

	"embeddedtest/logger"
	"embeddedtest/metrics"
)

type ErrInvalidAudience struct{ Expected, Got string }

func (e ErrInvalidAudience) Error() string {
	return "invalid audience: expected " + e.Expected + " got " + e.Got
}

type ErrTokenExpired struct{}

func (e ErrTokenExpired) Error() string { return "token expired" }

// retryBase is the first backoff step of provider discovery.
var retryBase = time.Second

// Verifier checks raw ID tokens against one issuer.
type Verifier struct {
	verifier *coreoidc.IDTokenVerifier
	audience string
	now      func() time.Time
}

// OIDCConfig carries the issuer settings of NewVerifier.
type OIDCConfig struct {
	Issuer      string
	ClientID    string
	Audience    string
	CAFile      string
	MaxAttempts int
}

// NewVerifier discovers the issuer, retrying with exponential backoff, and
// returns a verifier for its tokens.
func NewVerifier(ctx context.Context, cfg OIDCConfig) (*Verifier, error) {
	p, err := initProviderWithBackoff(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return newVerifier(p.Verifier(verifierConfig(cfg)), cfg.Audience), nil
}

func verifierConfig(cfg OIDCConfig) *coreoidc.Config {
	// audience and expiry are checked by Verify so failures carry our error types
	return &coreoidc.Config{ClientID: cfg.ClientID, SkipClientIDCheck: true, SkipExpiryCheck: true}
}

func newVerifier(v *coreoidc.IDTokenVerifier, audience string) *Verifier {
	return &Verifier{verifier: v, audience: audience, now: time.Now}
}

// Verify checks signature, issuer, audience and expiry of raw.
func (v *Verifier) Verify(ctx context.Context, raw string) error {
	tok, err := v.verifier.Verify(ctx, raw)
	if err != nil {
		return err
	}
	return checkClaims(tok.Audience, tok.Expiry, v.audience, v.now())
}

func checkClaims(aud []string, exp time.Time, audience string, now time.Time) error {
	if audience != "" && !slices.Contains(aud, audience) {
		return ErrInvalidAudience{Expected: audience, Got: strings.Join(aud, ",")}
	}
	if !exp.IsZero() && now.After(exp) {
		return ErrTokenExpired{}
	}
	return nil
}

func initProviderWithBackoff(ctx context.Context, cfg OIDCConfig) (*coreoidc.Provider, error) {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 8
	}
	if cfg.CAFile != "" {
		c := &http.Client{Timeout: 10 * time.Second}
		if err := addCustomCA(c, cfg.CAFile); err != nil {
			return nil, err
		}
		ctx = coreoidc.ClientContext(ctx, c)
	}

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		var p *coreoidc.Provider
		p, err = coreoidc.NewProvider(ctx, cfg.Issuer)
		if err == nil {
			logger.Info("oidc provider initialized", logger.FieldKV("issuer", cfg.Issuer), logger.FieldKV("attempt", attempt))
			metrics.RecordOIDCInit("ok")
			return p, nil
		}
		if strings.Contains(err.Error(), "server gave HTTP response to HTTPS client") {
			logger.Error("oidc issuer scheme mismatch (https expected but endpoint is http)", err,
				logger.FieldKV("issuer", cfg.Issuer))
		}
		if attempt == maxAttempts {
			break
		}
		sleep := min(30*time.Second, retryBase<<(attempt-1))
		logger.Error("oidc provider init failed", err, logger.FieldKV("attempt", attempt), logger.FieldKV("next_sleep", sleep.String()))
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			metrics.RecordOIDCInit("canceled")
			return nil, fmt.Errorf("oidc init canceled: %w", ctx.Err())
		}
	}
	metrics.RecordOIDCInit("failed")
	return nil, fmt.Errorf("oidc provider %s unavailable after %d attempts: %w", cfg.Issuer, maxAttempts, err)
}

// addCustomCA trusts the PEM bundle at path for issuer requests.
func addCustomCA(c *http.Client, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return fmt.Errorf("no certificates in %s", path)
	}
	c.Transport = &http.Transport{
		Proxy:           http.ProxyFromEnvironment,
		TLSClientConfig: &tls.Config{RootCAs: pool},
	}
	logger.Info("custom CA trust added for OIDC", logger.FieldKV("path", path))
	return nil
}
