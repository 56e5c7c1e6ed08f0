// Package tlsconfig builds the mutual TLS configuration of the management
// endpoint from PEM files, usually those in a node's security directory.
package tlsconfig

import (
    "crypto/tls"
    "crypto/x509"
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "sync"
    "time"
)

// File names looked up in a security directory.
const (
    CAFileName   = "ca.pem"
    CertFileName = "cert.pem"
    KeyFileName  = "key.pem"
)

// reloadTTL is how long a loaded certificate is reused before the files are
// read again.
const reloadTTL = 10 * time.Second

// Options defines mTLS configuration inputs.
type Options struct {
    Enable             bool
    CAFile             string
    CertFile           string
    KeyFile            string
    InsecureSkipVerify bool
    ServerName         string
}

// FromSecurityDir enables TLS with the PEM files of dir. An empty dir
// leaves TLS disabled.
func FromSecurityDir(dir string) (Options, error) {
    if dir == "" { return Options{}, nil }
    o := Options{Enable: true, CertFile: filepath.Join(dir, CertFileName), KeyFile: filepath.Join(dir, KeyFileName)}
    for _, f := range []string{o.CertFile, o.KeyFile} {
        if _, err := os.Stat(f); err != nil { return Options{}, fmt.Errorf("tls: security-dir %s: %w", dir, err) }
    }
    if ca := filepath.Join(dir, CAFileName); fileExists(ca) { o.CAFile = ca }
    return o, nil
}

func fileExists(p string) bool {
    st, err := os.Stat(p)
    return err == nil && !st.IsDir()
}

func loadPool(path string) (*x509.CertPool, error) {
    pem, err := os.ReadFile(path)
    if err != nil { return nil, err }
    pool := x509.NewCertPool()
    if !pool.AppendCertsFromPEM(pem) { return nil, fmt.Errorf("tls: no certificate in %s", path) }
    return pool, nil
}

// Server returns the server config, nil when TLS is disabled. Peers must
// present a certificate signed by the CA when one is configured.
func (o Options) Server() (*tls.Config, error) {
    if !o.Enable { return nil, nil }
    if o.CertFile == "" || o.KeyFile == "" { return nil, errors.New("tls: server cert/key required when TLS enabled") }
    cert, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
    if err != nil { return nil, err }
    cfg := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
    return cfg, o.verifyClients(cfg)
}

// Client returns the client config, nil when TLS is disabled.
func (o Options) Client() (*tls.Config, error) {
    if !o.Enable { return nil, nil }
    cfg, err := o.clientBase()
    if err != nil { return nil, err }
    if o.CertFile != "" && o.KeyFile != "" {
        cert, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
        if err != nil { return nil, err }
        cfg.Certificates = []tls.Certificate{cert}
    }
    return cfg, nil
}

// ServerHotReload is Server with the certificate re-read from disk on
// handshakes, so rotated files are picked up without a restart.
func (o Options) ServerHotReload() (*tls.Config, error) {
    if !o.Enable { return nil, nil }
    if o.CertFile == "" || o.KeyFile == "" { return nil, errors.New("tls: server cert/key required when TLS enabled") }
    l := &certLoader{certFile: o.CertFile, keyFile: o.KeyFile}
    if _, err := l.get(); err != nil { return nil, err }
    cfg := &tls.Config{MinVersion: tls.VersionTLS12}
    cfg.GetCertificate = func(*tls.ClientHelloInfo) (*tls.Certificate, error) { return l.get() }
    return cfg, o.verifyClients(cfg)
}

// ClientHotReload is Client with the client certificate re-read on demand.
func (o Options) ClientHotReload() (*tls.Config, error) {
    if !o.Enable { return nil, nil }
    cfg, err := o.clientBase()
    if err != nil { return nil, err }
    if o.CertFile != "" && o.KeyFile != "" {
        l := &certLoader{certFile: o.CertFile, keyFile: o.KeyFile}
        cfg.GetClientCertificate = func(*tls.CertificateRequestInfo) (*tls.Certificate, error) { return l.get() }
    }
    return cfg, nil
}

func (o Options) verifyClients(cfg *tls.Config) error {
    if o.CAFile == "" { return nil }
    pool, err := loadPool(o.CAFile)
    if err != nil { return err }
    cfg.ClientCAs = pool
    cfg.ClientAuth = tls.RequireAndVerifyClientCert
    return nil
}

func (o Options) clientBase() (*tls.Config, error) {
    cfg := &tls.Config{InsecureSkipVerify: o.InsecureSkipVerify, ServerName: o.ServerName, MinVersion: tls.VersionTLS12} //nolint:gosec
    if o.CAFile != "" {
        pool, err := loadPool(o.CAFile)
        if err != nil { return nil, err }
        cfg.RootCAs = pool
    }
    return cfg, nil
}

type certLoader struct {
    certFile, keyFile string
    mu                sync.Mutex
    cached            *tls.Certificate
    loadedAt          time.Time
}

func (l *certLoader) get() (*tls.Certificate, error) {
    l.mu.Lock(); defer l.mu.Unlock()
    if l.cached != nil && time.Since(l.loadedAt) < reloadTTL { return l.cached, nil }
    cert, err := tls.LoadX509KeyPair(l.certFile, l.keyFile)
    if err != nil {
        // keep serving the last good certificate while files are rotated
        if l.cached != nil { return l.cached, nil }
        return nil, err
    }
    l.cached, l.loadedAt = &cert, time.Now()
    return l.cached, nil
}
