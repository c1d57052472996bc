package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/acme/autocert"
)

// Kinds of TLS certificate sources.
const (
	tlsKindAuto        = "auto"
	tlsKindFiles       = "files"
	tlsKindLetsEncrypt = "letsencrypt"
)

// tlsCfg represents the "tls" configuration section.
type tlsCfg struct {
	Enabled     bool     `koanf:"enabled"`
	Address     string   `koanf:"address"`
	Kind        string   `koanf:"kind"`
	Certificate string   `koanf:"certificate"`
	PrivateKey  string   `koanf:"private_key"`
	Domains     []string `koanf:"domains"`
	Email       string   `koanf:"email"`
	CacheDir    string   `koanf:"cache_dir"`
}

// tlsServer holds a configured HTTPS server and the handler the plain HTTP
// listener should use alongside it.
type tlsServer struct {
	srv *http.Server

	// plain replaces the plain HTTP handler. It redirects to HTTPS and, for
	// Let's Encrypt, answers ACME challenges.
	plain http.Handler

	certFile, keyFile string
}

// newTLSServer prepares an HTTPS server for h according to cfg.
func newTLSServer(cfg tlsCfg, h http.Handler) (*tlsServer, error) {
	addr := cfg.Address
	if addr == "" {
		addr = ":443"
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, errors.Wrapf(err, "couldn't parse address %q", addr)
	}

	out := &tlsServer{
		srv: &http.Server{
			Addr:    addr,
			Handler: h,
			// Websockets need HTTP/1.1.
			TLSNextProto: make(map[string]func(*http.Server, *tls.Conn, http.Handler)),
		},
		plain: handleHTTPRedirect(port),
	}

	switch cfg.Kind {
	case tlsKindAuto:
		hosts := cfg.Domains
		if len(hosts) == 0 {
			hosts = []string{"localhost"}
		}
		cert, err := generate(certopts{
			RsaBits:   2048,
			IsCA:      true,
			Hosts:     hosts,
			ValidFrom: time.Now(),
			ValidFor:  time.Hour * 24 * 30 * 12,
		})
		if err != nil {
			return nil, err
		}
		out.srv.TLSConfig = tlsConfig(func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			return cert, nil
		})

	case tlsKindFiles:
		if cfg.Certificate == "" || cfg.PrivateKey == "" {
			return nil, errors.New("tls.certificate and tls.private_key are required")
		}
		out.srv.TLSConfig = tlsConfig(nil)
		out.certFile, out.keyFile = cfg.Certificate, cfg.PrivateKey

	case tlsKindLetsEncrypt:
		if len(cfg.Domains) == 0 {
			return nil, errors.New("tls.domains is required for letsencrypt")
		}
		dir := cfg.CacheDir
		if dir == "" {
			dir = "certs"
		}
		m := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.Domains...),
			Cache:      autocert.DirCache(dir),
			Email:      cfg.Email,
		}
		out.srv.TLSConfig = m.TLSConfig()
		out.plain = m.HTTPHandler(out.plain)

	default:
		return nil, errors.Errorf("tls.kind must be one of %s|%s|%s",
			tlsKindAuto, tlsKindFiles, tlsKindLetsEncrypt)
	}
	return out, nil
}

// Serve accepts HTTPS connections on ln.
func (t *tlsServer) Serve(ln net.Listener) error {
	return t.srv.ServeTLS(ln, t.certFile, t.keyFile)
}

func tlsConfig(getCertificate func(*tls.ClientHelloInfo) (*tls.Certificate, error)) *tls.Config {
	return &tls.Config{
		MinVersion:       tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{tls.CurveP521, tls.CurveP384, tls.CurveP256},
		CipherSuites: []uint16{
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		},
		GetCertificate: getCertificate,
	}
}

// handleHTTPRedirect redirects every plain HTTP request to HTTPS on sslPort.
func handleHTTPRedirect(sslPort string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h, _, err := net.SplitHostPort(r.Host)
		if err != nil {
			h = r.Host
		}
		if h == "" {
			h = "localhost"
		}
		target := "https://" + h
		if sslPort != "443" {
			target += ":" + sslPort
		}
		target += r.URL.RequestURI()
		http.Redirect(w, r, target, http.StatusFound)
	})
}

// certopts is a struct to define option to generate the certificate.
type certopts struct {
	RsaBits   int
	Hosts     []string
	IsCA      bool
	ValidFrom time.Time
	ValidFor  time.Duration
}

// generate creates a self-signed certificate for the given options.
func generate(opts certopts) (*tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, opts.RsaBits)
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate private key")
	}

	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate serial number")
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"qrshare"},
		},
		NotBefore: opts.ValidFrom,
		NotAfter:  opts.ValidFrom.Add(opts.ValidFor),

		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	for _, h := range opts.Hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	if opts.IsCA {
		template.IsCA = true
		template.KeyUsage |= x509.KeyUsageCertSign
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create certificate")
	}

	return &tls.Certificate{
		Certificate: [][]byte{derBytes},
		PrivateKey:  priv,
	}, nil
}
