package certs

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func selfSigned(t *testing.T, cn string) (certPEM, keyPEM, der []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: cn},
		DNSNames:     []string{cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err = x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, der
}

func TestLookupACME(t *testing.T) {
	data := `{"le":{"Certificates":[
		{"domain":{"main":"example.com","sans":["sync.example.com"]},"certificate":"c1","key":"k1"},
		{"domain":{"main":"*.example.org"},"certificate":"c2","key":"k2"}]},
		"other":{"Certificates":[{"domain":{"main":"other.com"},"certificate":"c3","key":"k3"}]}}`
	tests := []struct {
		domain  string
		cert    string
		wantErr bool
	}{
		{"example.com", "c1", false},
		{"sync.example.com", "c1", false},
		{"*.example.org", "c2", false},
		{"other.com", "c3", false},
		{"notfound.com", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.domain, func(t *testing.T) {
			got, err := lookupACME([]byte(data), tt.domain)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrDomainNotFound)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.cert, got.Certificate)
		})
	}
	_, err := lookupACME([]byte(`{}`), "example.com")
	assert.ErrorIs(t, err, ErrDomainNotFound)
}

func TestLoadFromTraefik(t *testing.T) {
	certPEM, keyPEM, der := selfSigned(t, "sync.example.com")
	file := filepath.Join(t.TempDir(), "acme.json")
	content := fmt.Sprintf(
		`{"le":{"Certificates":[{"domain":{"main":"sync.example.com"},"certificate":%q,"key":%q}]}}`,
		base64.StdEncoding.EncodeToString(certPEM),
		base64.StdEncoding.EncodeToString(keyPEM))
	require.NoError(t, os.WriteFile(file, []byte(content), 0o600))

	p, err := NewProvider(Source{TraefikFile: file, TraefikDomain: "sync.example.com"})
	require.NoError(t, err)
	assert.Equal(t, der, p.Certificate().Certificate[0])
}

func TestNewProvider_NotConfigured(t *testing.T) {
	_, err := NewProvider(Source{CertFile: "only-cert.pem"})
	assert.ErrorIs(t, err, ErrNoCertificate)
}

func TestProvider_Reload(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "tls.crt")
	keyFile := filepath.Join(dir, "tls.key")
	certPEM, keyPEM, der := selfSigned(t, "first")
	require.NoError(t, os.WriteFile(certFile, certPEM, 0o600))
	require.NoError(t, os.WriteFile(keyFile, keyPEM, 0o600))

	p, err := NewProvider(Source{CertFile: certFile, KeyFile: keyFile})
	require.NoError(t, err)
	assert.Equal(t, der, p.Certificate().Certificate[0])
	cfg, err := p.TLSConfig()
	require.NoError(t, err)
	served, err := cfg.GetCertificate(nil)
	require.NoError(t, err)
	assert.Equal(t, der, served.Certificate[0])

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watching := make(chan error, 1)
	go func() { watching <- p.Watch(ctx) }()
	// give the watcher time to register the files
	time.Sleep(100 * time.Millisecond)

	certPEM, keyPEM, der = selfSigned(t, "second")
	require.NoError(t, os.WriteFile(keyFile, keyPEM, 0o600))
	require.NoError(t, os.WriteFile(certFile, certPEM, 0o600))
	assert.Eventually(t, func() bool {
		return bytes.Equal(der, p.Certificate().Certificate[0])
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-watching)
}
