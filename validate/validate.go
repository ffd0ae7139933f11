// Package validate implements path validation of an end-entity certificate
// through a candidate chain of intermediates to a trusted root, with
// key-usage/EKU checks and optional OCSP-staple-aware revocation checking.
package validate

import (
	"crypto/x509"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/ocsp"
	fallbackroots "golang.org/x/crypto/x509roots/fallback"

	"ocspd/internal/ocsperrors"
)

var (
	rootsMu sync.RWMutex
	roots   *x509.CertPool // nil means "use platform/fallback roots"
)

// SetTrustStore installs pemBundle (a PEM-encoded bundle of root
// certificates) as the trust store used by Validate. Passing nil reverts to
// the platform trust store, falling back to the bundled Mozilla root set
// (golang.org/x/crypto/x509roots/fallback) when the platform has none
// (e.g. a minimal container image) — this is what the trust_store_path
// config knob configures.
func SetTrustStore(pemBundle []byte) error {
	if pemBundle == nil {
		rootsMu.Lock()
		roots = nil
		rootsMu.Unlock()
		return nil
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemBundle) {
		return fmt.Errorf("validate: no certificates found in trust store bundle")
	}
	rootsMu.Lock()
	roots = pool
	rootsMu.Unlock()
	return nil
}

func trustedRoots() *x509.CertPool {
	rootsMu.RLock()
	pool := roots
	rootsMu.RUnlock()
	if pool != nil {
		return pool
	}
	if sys, err := x509.SystemCertPool(); err == nil && sys != nil {
		return sys
	}
	return fallbackroots.Roots
}

// Validate builds a path from endEntity through intermediates to a locally
// trusted root, requiring KeyUsageDigitalSignature and, when present,
// ExtKeyUsageServerAuth (a missing EKU is accepted — "extended-optional").
// If staple is non-nil, its revocation status for endEntity is treated as
// authoritative: a "revoked" response fails validation immediately,
// regardless of what Go's path builder would otherwise conclude.
func Validate(endEntity *x509.Certificate, intermediates []*x509.Certificate, staple *ocsp.Response) ([]*x509.Certificate, error) {
	if staple != nil && staple.Status == ocsp.Revoked {
		return nil, &ocsperrors.ChainValidationError{
			Path:   endEntity.Subject.String(),
			Reason: "revoked",
			Err:    ocsperrors.ErrRevoked,
		}
	}

	pool := x509.NewCertPool()
	for _, ic := range intermediates {
		pool.AddCert(ic)
	}

	opts := x509.VerifyOptions{
		Intermediates: pool,
		Roots:         trustedRoots(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		CurrentTime:   time.Now(),
	}

	chains, err := endEntity.Verify(opts)
	if err != nil {
		return nil, &ocsperrors.ChainValidationError{
			Path:   endEntity.Subject.String(),
			Reason: "path building/validation failed",
			Err:    err,
		}
	}
	if len(chains) == 0 {
		return nil, &ocsperrors.ChainValidationError{
			Path:   endEntity.Subject.String(),
			Reason: "no valid certificate path found",
		}
	}

	if err := checkUsage(endEntity); err != nil {
		return nil, err
	}

	return chains[0], nil
}

// checkUsage enforces the "extended-optional" EKU rule explicitly: a
// missing ExtKeyUsage list is accepted, but a present one that lacks
// ServerAuth is rejected. KeyUsageDigitalSignature is required outright.
func checkUsage(cert *x509.Certificate) error {
	if cert.KeyUsage&x509.KeyUsageDigitalSignature == 0 {
		return &ocsperrors.ChainValidationError{
			Path:   cert.Subject.String(),
			Reason: "certificate does not permit digital signature key usage",
		}
	}

	if len(cert.ExtKeyUsage) == 0 {
		return nil // missing EKU: accepted
	}
	for _, eku := range cert.ExtKeyUsage {
		if eku == x509.ExtKeyUsageServerAuth || eku == x509.ExtKeyUsageAny {
			return nil
		}
	}
	return &ocsperrors.ChainValidationError{
		Path:   cert.Subject.String(),
		Reason: "certificate does not carry the serverAuth extended key usage",
	}
}
