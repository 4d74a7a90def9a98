package certs

import (
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"os"

	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"
)

var ErrDomainNotFound = errors.New("domain not found")

type acmeCert struct {
	Domain struct {
		Main string   `json:"main"`
		SANs []string `json:"sans"`
	} `json:"domain"`
	Certificate string `json:"certificate"`
	Key         string `json:"key"`
}

// LoadFromTraefik reads the certificate for domain from a traefik acme
// storage file. Certificates of all resolvers are considered.
func LoadFromTraefik(file, domain string) (tls.Certificate, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return tls.Certificate{}, err
	}
	entry, err := lookupACME(data, domain)
	if err != nil {
		return tls.Certificate{}, err
	}
	certPEM, err := base64.StdEncoding.DecodeString(entry.Certificate)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("decode certificate: %w", err)
	}
	keyPEM, err := base64.StdEncoding.DecodeString(entry.Key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("decode key: %w", err)
	}
	return tls.X509KeyPair(certPEM, keyPEM)
}

// lookupACME matches domain against the main domain first, then the SANs.
func lookupACME(data []byte, domain string) (*acmeCert, error) {
	obj, err := oj.Parse(data)
	if err != nil {
		return nil, err
	}
	certsPath, err := jp.ParseString(`$..Certificates[*]`)
	if err != nil {
		return nil, err
	}
	var bySAN *acmeCert
	for _, raw := range certsPath.Get(obj) {
		entry := acmeCert{}
		if err := oj.Unmarshal([]byte(oj.JSON(raw)), &entry); err != nil {
			return nil, err
		}
		if entry.Domain.Main == domain {
			return &entry, nil
		}
		if bySAN == nil {
			for _, san := range entry.Domain.SANs {
				if san == domain {
					bySAN = &entry
					break
				}
			}
		}
	}
	if bySAN != nil {
		return bySAN, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrDomainNotFound, domain)
}
