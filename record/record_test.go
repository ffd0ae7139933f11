package record

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ocspd/internal/ocsperrors"
	"ocspd/validate"
)

// testChain holds a self-signed root, an intermediate signed by it, and a
// leaf signed by the intermediate, with an OCSP responder URL set on the
// leaf - enough to exercise ParseChain/Eligible/Issuer/BuildRequest without
// any fixture files on disk.
type testChain struct {
	rootCert, intCert, leafCert *x509.Certificate
	rootKey, intKey, leafKey    *ecdsa.PrivateKey
}

func buildTestChain(t *testing.T) testChain {
	t.Helper()

	rootKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	rootTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test root"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	rootDER, err := x509.CreateCertificate(rand.Reader, rootTemplate, rootTemplate, &rootKey.PublicKey, rootKey)
	require.NoError(t, err)
	rootCert, err := x509.ParseCertificate(rootDER)
	require.NoError(t, err)

	intKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	intTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(2),
		Subject:               pkix.Name{CommonName: "test intermediate"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	intDER, err := x509.CreateCertificate(rand.Reader, intTemplate, rootCert, &intKey.PublicKey, rootKey)
	require.NoError(t, err)
	intCert, err := x509.ParseCertificate(intDER)
	require.NoError(t, err)

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	leafTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(3),
		Subject:               pkix.Name{CommonName: "test leaf"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		OCSPServer:            []string{"http://ocsp.example.test"},
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTemplate, intCert, &leafKey.PublicKey, intKey)
	require.NoError(t, err)
	leafCert, err := x509.ParseCertificate(leafDER)
	require.NoError(t, err)

	return testChain{
		rootCert: rootCert, intCert: intCert, leafCert: leafCert,
		rootKey: rootKey, intKey: intKey, leafKey: leafKey,
	}
}

func (c testChain) writeBundle(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "bundle.pem")
	var out []byte
	for _, cert := range []*x509.Certificate{c.leafCert, c.intCert} {
		out = append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})...)
	}
	require.NoError(t, os.WriteFile(path, out, 0o644))
	return path
}

func setupTrustStore(t *testing.T, root *x509.Certificate) {
	t.Helper()
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: root.Raw})
	require.NoError(t, validate.SetTrustStore(pemBytes))
	t.Cleanup(func() { _ = validate.SetTrustStore(nil) })
}

func TestParseChain_Success(t *testing.T) {
	chain := buildTestChain(t)
	setupTrustStore(t, chain.rootCert)

	dir := t.TempDir()
	path := chain.writeBundle(t, dir)

	rec := New(path)
	require.NoError(t, rec.ParseChain(zap.NewNop()))

	assert.True(t, rec.Eligible())
	assert.Equal(t, []string{"http://ocsp.example.test"}, rec.OCSPURLs)
}

func TestParseChain_NoEndEntity(t *testing.T) {
	chain := buildTestChain(t)
	setupTrustStore(t, chain.rootCert)

	dir := t.TempDir()
	path := filepath.Join(dir, "intonly.pem")
	out := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: chain.intCert.Raw})
	require.NoError(t, os.WriteFile(path, out, 0o644))

	rec := New(path)
	err := rec.ParseChain(zap.NewNop())
	var cverr *ocsperrors.ChainValidationError
	require.ErrorAs(t, err, &cverr)
	assert.False(t, rec.Eligible())
}

func TestParseChain_MissingFile(t *testing.T) {
	rec := New("/no/such/file.pem")
	err := rec.ParseChain(zap.NewNop())
	var ioErr *ocsperrors.IoError
	assert.ErrorAs(t, err, &ioErr)
}

func TestIssuer_ResolvesByNameMatch(t *testing.T) {
	chain := buildTestChain(t)
	setupTrustStore(t, chain.rootCert)

	dir := t.TempDir()
	path := chain.writeBundle(t, dir)
	rec := New(path)
	require.NoError(t, rec.ParseChain(zap.NewNop()))

	issuer, err := rec.Issuer()
	require.NoError(t, err)
	assert.Equal(t, chain.intCert.Subject.String(), issuer.Subject.String())
}

func TestIssuer_BeforeParse(t *testing.T) {
	rec := New("/irrelevant")
	_, err := rec.Issuer()
	var pre *ocsperrors.PreconditionError
	assert.ErrorAs(t, err, &pre)
}

func TestBuildRequest_NotEligible(t *testing.T) {
	rec := New("/irrelevant")
	_, err := rec.BuildRequest()
	var pre *ocsperrors.PreconditionError
	assert.ErrorAs(t, err, &pre)
}

func TestBuildRequest_Success(t *testing.T) {
	chain := buildTestChain(t)
	setupTrustStore(t, chain.rootCert)

	dir := t.TempDir()
	path := chain.writeBundle(t, dir)
	rec := New(path)
	require.NoError(t, rec.ParseChain(zap.NewNop()))

	der, err := rec.BuildRequest()
	require.NoError(t, err)
	assert.NotEmpty(t, der)
}

func TestSetStaple_ResetsFailureCount(t *testing.T) {
	rec := New("/irrelevant")
	rec.IncrementFailure()
	rec.IncrementFailure()
	require.Equal(t, 2, rec.FailureCount)

	rec.SetStaple(nil, []byte{0x01}, time.Now().Add(time.Hour))
	assert.Equal(t, 0, rec.FailureCount)
}

func TestMarkIgnored_ClearedBySetModTime(t *testing.T) {
	rec := New("/irrelevant")
	rec.MarkIgnored()
	assert.True(t, rec.IsIgnored())

	rec.SetModTime(time.Now())
	assert.False(t, rec.IsIgnored())
}

func TestStapleFilePath(t *testing.T) {
	rec := New("/etc/certs/example.crt")
	assert.Equal(t, "/etc/certs/example.crt.ocsp", rec.StapleFilePath())
}

func TestHashFile_Deterministic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cert.pem")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	rec := New(path)
	h1, err := rec.HashFile()
	require.NoError(t, err)
	h2, err := rec.HashFile()
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}
