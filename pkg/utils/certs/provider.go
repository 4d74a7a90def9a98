// Package certs provides the server certificate for the TLS listener and
// reloads it when the files on disk change.
package certs

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/mpapenbr/iracelog-session-sync/log"
)

// Source names where the certificate comes from. A traefik acme file takes
// precedence over a cert/key pair.
type Source struct {
	CertFile      string
	KeyFile       string
	CAFile        string
	TraefikFile   string
	TraefikDomain string
}

func (s Source) Enabled() bool {
	return (s.TraefikFile != "" && s.TraefikDomain != "") ||
		(s.CertFile != "" && s.KeyFile != "")
}

func (s Source) watched() []string {
	if s.TraefikFile != "" && s.TraefikDomain != "" {
		return []string{s.TraefikFile}
	}
	return []string{s.CertFile, s.KeyFile}
}

type Provider struct {
	src  Source
	log  *log.Logger
	mu   sync.RWMutex
	cert *tls.Certificate
}

var ErrNoCertificate = errors.New("no certificate configured")

// NewProvider loads the initial certificate. An error is returned if none
// could be loaded.
func NewProvider(src Source) (*Provider, error) {
	if !src.Enabled() {
		return nil, ErrNoCertificate
	}
	p := &Provider{src: src, log: log.Default().Named("certs")}
	if err := p.load(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Provider) load() error {
	var (
		cert tls.Certificate
		err  error
	)
	if p.src.TraefikFile != "" && p.src.TraefikDomain != "" {
		p.log.Info("Looking up traefik certs",
			log.String("file", p.src.TraefikFile),
			log.String("domain", p.src.TraefikDomain))
		cert, err = LoadFromTraefik(p.src.TraefikFile, p.src.TraefikDomain)
	} else {
		p.log.Info("Loading cert",
			log.String("key", p.src.KeyFile),
			log.String("cert", p.src.CertFile))
		cert, err = tls.LoadX509KeyPair(p.src.CertFile, p.src.KeyFile)
	}
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cert = &cert
	return nil
}

func (p *Provider) Certificate() *tls.Certificate {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cert
}

// TLSConfig always serves the most recently loaded certificate.
func (p *Provider) TLSConfig() (*tls.Config, error) {
	cfg := &tls.Config{
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			return p.Certificate(), nil
		},
		MinVersion: tls.VersionTLS13,
	}
	if p.src.CAFile != "" {
		caCert, err := os.ReadFile(p.src.CAFile)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, errors.New("no certificates found in ca file")
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.VerifyClientCertIfGiven
	}
	return cfg, nil
}

// Watch reloads the certificate on file changes until ctx is done. A failed
// reload keeps the previous certificate.
func (p *Provider) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	for _, f := range p.src.watched() {
		if err := watcher.Add(f); err != nil {
			return err
		}
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Chmod) {
				continue
			}
			p.log.Info("cert file changed, reloading cert", log.String("file", event.Name))
			if err := p.load(); err != nil {
				p.log.Error("reloading cert failed", log.ErrorField(err))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			p.log.Error("watcher error", log.ErrorField(err))
		}
	}
}
