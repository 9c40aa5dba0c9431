package security

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

	"github.com/stretchr/testify/require"
)

// writeSelfSignedPair generates a self-signed cert/key pair and writes
// it plus its own PEM as the CA, mirroring a single-node test topology.
func writeSelfSignedPair(t *testing.T, dir string) (certFile, keyFile, caFile string) {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "dispycosnode-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		IsCA:         true,
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)

	certFile = filepath.Join(dir, "node.crt")
	keyFile = filepath.Join(dir, "node.key")
	caFile = filepath.Join(dir, "ca.crt")

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	require.NoError(t, os.WriteFile(certFile, certPEM, 0o644))
	require.NoError(t, os.WriteFile(caFile, certPEM, 0o644))

	keyBytes, err := x509.MarshalECPrivateKey(priv)
	require.NoError(t, err)
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes})
	require.NoError(t, os.WriteFile(keyFile, keyPEM, 0o600))

	return certFile, keyFile, caFile
}

func TestLoadCertFromFile(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile, _ := writeSelfSignedPair(t, dir)

	cert, err := LoadCertFromFile(certFile, keyFile)
	require.NoError(t, err)
	require.NotNil(t, cert.Leaf)
	require.Equal(t, "dispycosnode-test", cert.Leaf.Subject.CommonName)
}

func TestLoadCACertFromFile(t *testing.T) {
	dir := t.TempDir()
	_, _, caFile := writeSelfSignedPair(t, dir)

	ca, err := LoadCACertFromFile(caFile)
	require.NoError(t, err)
	require.Equal(t, "dispycosnode-test", ca.Subject.CommonName)
}

func TestCertExists(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile, caFile := writeSelfSignedPair(t, dir)

	require.True(t, CertExists(certFile, keyFile, caFile))
	require.False(t, CertExists(certFile, keyFile, filepath.Join(dir, "missing.crt")))
}

func TestServerAndClientTLSConfig(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile, caFile := writeSelfSignedPair(t, dir)

	serverCfg, err := ServerTLSConfig(certFile, keyFile, caFile)
	require.NoError(t, err)
	require.Len(t, serverCfg.Certificates, 1)

	clientCfg, err := ClientTLSConfig(certFile, keyFile, caFile)
	require.NoError(t, err)
	require.Len(t, clientCfg.Certificates, 1)
	require.NotNil(t, clientCfg.RootCAs)
}

func TestLoadCertFromFileMissing(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadCertFromFile(filepath.Join(dir, "nope.crt"), filepath.Join(dir, "nope.key"))
	require.Error(t, err)
}
