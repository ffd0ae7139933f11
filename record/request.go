package record

import (
	"golang.org/x/crypto/ocsp"

	"ocspd/internal/ocsperrors"
)

// BuildRequest builds a DER-encoded OCSP request for the pair
// (end-entity, issuer), where issuer is resolved by subject/issuer name
// match (see Issuer). golang.org/x/crypto/ocsp.CreateRequest never adds a
// nonce, which matches the requirement that requests be nonce-free so
// pre-signed responses can be reused. BuildRequest requires the record to
// be Eligible (invariant 1); otherwise it fails with *ocsperrors.PreconditionError.
func (r *Record) BuildRequest() ([]byte, error) {
	if !r.Eligible() {
		return nil, &ocsperrors.PreconditionError{Path: r.Path, Reason: "record is not eligible for staple acquisition"}
	}

	issuer, err := r.Issuer()
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	leaf := r.EndEntity
	r.mu.RUnlock()

	der, err := ocsp.CreateRequest(leaf, issuer, nil)
	if err != nil {
		return nil, &ocsperrors.PreconditionError{Path: r.Path, Reason: "could not build OCSP request: " + err.Error()}
	}

	r.mu.Lock()
	r.OCSPRequestDER = der
	r.mu.Unlock()

	return der, nil
}
