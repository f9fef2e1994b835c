package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"

	"rada-service/internal/util"
)

// TLSManager serves certificates for the public webhook endpoint: ACME via
// autocert, else a configured key pair, else (outside production) a
// self-signed development certificate.
type TLSManager struct {
	config   *TLSConfig
	autoCert *autocert.Manager

	mu       sync.Mutex
	fileCert *tls.Certificate
	devCert  *tls.Certificate
}

type TLSConfig struct {
	EnableTLS   bool
	AutoCert    bool
	Domain      string
	CertFile    string
	KeyFile     string
	AutoCertDir string
	Email       string
	Environment string
}

var ErrNoCertificate = errors.New("no TLS certificate available")

func NewTLSManager(config *TLSConfig) *TLSManager {
	manager := &TLSManager{config: config}
	if config.AutoCert && config.EnableTLS && config.Domain != "" {
		manager.setupAutoCert()
	}
	return manager
}

func (m *TLSManager) setupAutoCert() {
	if err := os.MkdirAll(m.config.AutoCertDir, 0o700); err != nil {
		util.Warn("Could not create autocert directory", zap.Error(err))
		return
	}

	m.autoCert = &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(m.config.Domain),
		Cache:      autocert.DirCache(m.config.AutoCertDir),
		Email:      m.config.Email,
	}

	util.Info("AutoCert configured",
		zap.String("domain", m.config.Domain),
		zap.String("cache_dir", m.config.AutoCertDir))
}

func (m *TLSManager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if m.autoCert != nil {
		cert, err := m.autoCert.GetCertificate(hello)
		if err == nil {
			return cert, nil
		}
		util.Warn("AutoCert certificate unavailable", zap.Error(err), zap.String("server_name", hello.ServerName))
	}

	if cert, err := m.loadFileCert(); err == nil {
		return cert, nil
	} else if !errors.Is(err, ErrNoCertificate) {
		util.Warn("Configured certificate unavailable", zap.Error(err))
	}

	if m.config.Environment == "production" {
		return nil, ErrNoCertificate
	}
	return m.developmentCert()
}

func (m *TLSManager) loadFileCert() (*tls.Certificate, error) {
	if m.config.CertFile == "" || m.config.KeyFile == "" {
		return nil, ErrNoCertificate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fileCert != nil {
		return m.fileCert, nil
	}
	cert, err := tls.LoadX509KeyPair(m.config.CertFile, m.config.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	m.fileCert = &cert
	return m.fileCert, nil
}

func (m *TLSManager) developmentCert() (*tls.Certificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.devCert != nil {
		return m.devCert, nil
	}

	hosts := []string{"localhost", "127.0.0.1", "::1"}
	if m.config.Domain != "" {
		hosts = append(hosts, m.config.Domain)
	}
	cert, err := NewDevCertGenerator(m.config.AutoCertDir).GenerateCert(hosts)
	if err != nil {
		return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
	}
	m.devCert = &cert
	return m.devCert, nil
}

func (m *TLSManager) GetTLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: m.GetCertificate,
		NextProtos:     []string{"h2", "http/1.1", "acme-tls/1"},
		MinVersion:     tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},
	}
}

// HTTPHandler answers ACME http-01 challenges and passes everything else to
// fallback. Without autocert it returns fallback unchanged.
func (m *TLSManager) HTTPHandler(fallback http.Handler) http.Handler {
	if m.autoCert == nil {
		return fallback
	}
	return m.autoCert.HTTPHandler(fallback)
}
