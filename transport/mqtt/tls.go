package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/abh/certman"
	"go.ntppool.org/common/logger"
)

type CertificateProvider interface {
	GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error)
	GetClientCertificate(certRequestInfo *tls.CertificateRequestInfo) (*tls.Certificate, error)
}

// CAPool loads the broker CA bundle; an empty path means the system pool
func CAPool(caFile string) (*x509.CertPool, error) {
	if caFile == "" {
		return x509.SystemCertPool()
	}
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("ca file: %w", err)
	}
	capool := x509.NewCertPool()
	if !capool.AppendCertsFromPEM(pem) {
		return nil, errors.New("credentials: failed to append certificates")
	}
	return capool, nil
}

// GetCertman sets up certman for the cert / key pair and reloads it when
// the files change
func GetCertman(certFile, keyFile string, log *slog.Logger) (*certman.CertMan, error) {
	cm, err := certman.New(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	cm.Logger(logger.NewStdLog("certman", false, log))
	err = cm.Watch()
	if err != nil {
		return nil, err
	}
	return cm, nil
}

func (c *Config) tlsConfig(log *slog.Logger) (*tls.Config, error) {
	if !c.TLS {
		return nil, nil
	}
	capool, err := CAPool(c.CAFile)
	if err != nil {
		return nil, err
	}
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		RootCAs:    capool,
	}
	if c.CertFile != "" {
		cm, err := GetCertman(c.CertFile, c.KeyFile, log)
		if err != nil {
			return nil, fmt.Errorf("client certificate: %w", err)
		}
		tlsConfig.GetClientCertificate = cm.GetClientCertificate
	}
	return tlsConfig, nil
}
