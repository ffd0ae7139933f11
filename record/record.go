// Package record implements the Certificate Record: the per-file entity
// that holds parsed certificate material, OCSP acquisition state, and the
// identity (path + content hash) the rest of the engine uses for dedup.
package record

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"ocspd/internal/ocsperrors"
	"ocspd/validate"
)

// Record is a single certificate file under watch. It is owned by whichever
// worker currently holds it (enforced by the pipeline, not by this type);
// the mutex here only protects the fields that the admin status surface
// reads concurrently with a worker mutating them.
type Record struct {
	mu sync.RWMutex

	// Identity.
	Path string
	Hash string

	// Filesystem state.
	ModTime time.Time

	// Parsed material, set by ParseChain.
	EndEntity      *x509.Certificate
	Intermediates  []*x509.Certificate
	ValidatedChain []*x509.Certificate
	OCSPURLs       []string

	// OCSP acquisition state.
	OCSPRequestDER   []byte
	OCSPStapleDER    []byte
	StapleValidUntil time.Time

	// Bookkeeping for the renewer's bounded back-off and the watcher's
	// re-sweep suppression.
	FailureCount int
	Ignored      bool
}

// New creates a record for path without reading it. Callers normally follow
// up with HashFile to populate Hash and then ParseChain.
func New(path string) *Record {
	return &Record{Path: path}
}

// HashFile reads the file at r.Path and returns its SHA-256 digest as a hex
// string, updating r.Hash as a side effect. It is deterministic for
// identical file contents and fails with *ocsperrors.IoError if the file
// cannot be read.
func (r *Record) HashFile() (string, error) {
	f, err := os.Open(r.Path)
	if err != nil {
		return "", &ocsperrors.IoError{Path: r.Path, Err: err}
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", &ocsperrors.IoError{Path: r.Path, Err: err}
	}

	digest := hex.EncodeToString(h.Sum(nil))
	r.mu.Lock()
	r.Hash = digest
	r.mu.Unlock()
	return digest, nil
}

// Eligible reports whether the record satisfies invariant 1 of the data
// model: an end-entity certificate, a non-empty validated chain, and at
// least one OCSP responder URL.
func (r *Record) Eligible() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.EndEntity != nil && len(r.ValidatedChain) > 0 && len(r.OCSPURLs) > 0
}

// ParseChain reads the PEM-armoured file at r.Path, splits it into
// CERTIFICATE blocks, classifies each as an intermediate CA or the
// end-entity by the BasicConstraints cA bit, extracts AIA OCSP URLs from the
// end-entity, and runs path validation. It replaces any previously parsed
// state, so a second call is idempotent.
func (r *Record) ParseChain(log *zap.Logger) error {
	raw, err := os.ReadFile(r.Path)
	if err != nil {
		return &ocsperrors.IoError{Path: r.Path, Err: err}
	}

	var endEntity *x509.Certificate
	var intermediates []*x509.Certificate

	rest := raw
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return &ocsperrors.ChainValidationError{
				Path:   r.Path,
				Reason: "malformed certificate block",
				Err:    err,
			}
		}
		if cert.IsCA {
			intermediates = append(intermediates, cert)
			log.Debug("found chain certificate", zap.String("path", r.Path), zap.String("subject", cert.Subject.String()))
		} else {
			if endEntity != nil {
				return &ocsperrors.ChainValidationError{
					Path:   r.Path,
					Reason: "more than one end-entity certificate in file",
				}
			}
			endEntity = cert
			log.Debug("found end-entity certificate", zap.String("path", r.Path), zap.String("subject", cert.Subject.String()))
		}
	}

	if endEntity == nil {
		return &ocsperrors.ChainValidationError{Path: r.Path, Reason: "no end-entity certificate found"}
	}
	if len(intermediates) < 1 {
		return &ocsperrors.ChainValidationError{Path: r.Path, Reason: "no intermediate certificates found"}
	}

	chain, err := validate.Validate(endEntity, intermediates, nil)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.EndEntity = endEntity
	r.Intermediates = intermediates
	r.ValidatedChain = chain
	r.OCSPURLs = append([]string(nil), endEntity.OCSPServer...)
	r.Ignored = false
	r.mu.Unlock()

	return nil
}

// Issuer returns the certificate in the validated chain whose subject
// matches the end-entity's issuer; the issuer is derived by name match, not
// by chain position.
func (r *Record) Issuer() (*x509.Certificate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.EndEntity == nil {
		return nil, &ocsperrors.PreconditionError{Path: r.Path, Reason: "end-entity not parsed"}
	}
	for _, c := range r.ValidatedChain {
		if c.Subject.String() == r.EndEntity.Issuer.String() {
			return c, nil
		}
	}
	// Fall back to the intermediates if validation didn't populate a
	// full chain (should not happen once Eligible() is true, but keeps
	// this helper usable in isolation, e.g. from tests).
	for _, c := range r.Intermediates {
		if c.Subject.String() == r.EndEntity.Issuer.String() {
			return c, nil
		}
	}
	return nil, &ocsperrors.PreconditionError{Path: r.Path, Reason: "issuer not found in chain"}
}

// MarkIgnored flags the record as terminally unparseable so the watcher's
// periodic resweep does not keep re-enqueueing it until the file changes.
func (r *Record) MarkIgnored() {
	r.mu.Lock()
	r.Ignored = true
	r.mu.Unlock()
}

// IsIgnored reports the current ignored flag.
func (r *Record) IsIgnored() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.Ignored
}

// SetModTime records the filesystem modification time observed by the
// watcher at last read, clearing Ignored since a modified file deserves a
// fresh attempt.
func (r *Record) SetModTime(t time.Time) {
	r.mu.Lock()
	r.ModTime = t
	r.Ignored = false
	r.mu.Unlock()
}

// StapleFilePath returns the path the OCSP staple is written to: the
// certificate path with a ".ocsp" suffix appended.
func (r *Record) StapleFilePath() string {
	return r.Path + ".ocsp"
}

// SetStaple records a successfully validated staple: the re-derived chain
// (now including the staple as the revocation source), the DER bytes, and
// their expiry. It resets FailureCount, since a successful acquisition ends
// the back-off sequence.
func (r *Record) SetStaple(chain []*x509.Certificate, der []byte, validUntil time.Time) {
	r.mu.Lock()
	r.ValidatedChain = chain
	r.OCSPStapleDER = der
	r.StapleValidUntil = validUntil
	r.FailureCount = 0
	r.mu.Unlock()
}

// IncrementFailure bumps the failure counter used by the renewer's bounded
// back-off policy and returns the new count.
func (r *Record) IncrementFailure() int {
	r.mu.Lock()
	r.FailureCount++
	n := r.FailureCount
	r.mu.Unlock()
	return n
}

// Snapshot is a point-in-time copy of the record's state for the admin
// status surface, safe to read without racing a worker that holds r.
type Snapshot struct {
	Path             string
	Hash             string
	ModTime          time.Time
	Eligible         bool
	Ignored          bool
	FailureCount     int
	StapleValidUntil time.Time
	OCSPURLs         []string
}

// Snap copies the fields relevant to status reporting into a Snapshot.
func (r *Record) Snap() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Snapshot{
		Path:             r.Path,
		Hash:             r.Hash,
		ModTime:          r.ModTime,
		Eligible:         r.EndEntity != nil && len(r.ValidatedChain) > 0 && len(r.OCSPURLs) > 0,
		Ignored:          r.Ignored,
		FailureCount:     r.FailureCount,
		StapleValidUntil: r.StapleValidUntil,
		OCSPURLs:         append([]string(nil), r.OCSPURLs...),
	}
}

func (r *Record) String() string {
	return fmt.Sprintf("<Record %s>", r.Path)
}
