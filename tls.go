package simpleamqp

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// ErrNoCertificates is returned when a CA file holds no PEM certificate.
var ErrNoCertificates = errors.New("no certificates found")

// Certificates holds paths to the client certificate, its key and the CA
// used to verify the broker when connecting with amqps.
type Certificates struct {
	Cert string
	Key  string
	CA   string
}

// TLSConfig builds a *tls.Config from the files. The system pool is used as
// the root pool, extended with CA when set. A file that is set but unusable
// is an error.
func (c Certificates) TLSConfig() (*tls.Config, error) {
	certPool, err := x509.SystemCertPool()
	if err != nil {
		certPool = x509.NewCertPool()
	}

	tlsConfig := &tls.Config{
		RootCAs:    certPool,
		MinVersion: tls.VersionTLS12,
	}

	if c.CA != "" {
		ca, err := os.ReadFile(c.CA)
		if err != nil {
			return nil, fmt.Errorf("read ca: %w", err)
		}

		if !tlsConfig.RootCAs.AppendCertsFromPEM(ca) {
			return nil, fmt.Errorf("%w in %s", ErrNoCertificates, c.CA)
		}
	}

	if c.Cert != "" || c.Key != "" {
		cert, err := tls.LoadX509KeyPair(c.Cert, c.Key)
		if err != nil {
			return nil, fmt.Errorf("load key pair: %w", err)
		}

		tlsConfig.Certificates = append(tlsConfig.Certificates, cert)
	}

	return tlsConfig, nil
}
