// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package comms

import (
	"crypto/elliptic"
	"crypto/tls"
	"errors"
	"os"
	"time"

	"github.com/decred/dcrd/certgen"
)

// fileExists reports whether the named file or directory exists.
func fileExists(name string) bool {
	_, err := os.Stat(name)
	return !os.IsNotExist(err)
}

// TLSConfig loads the key pair at the given paths, generating a self-signed
// pair first if neither file exists.
func TLSConfig(certFile, keyFile string, altDNSNames []string) (*tls.Config, error) {
	keyExists := fileExists(keyFile)
	certExists := fileExists(certFile)
	if certExists != keyExists {
		return nil, errors.New("missing cert pair file")
	}
	if !keyExists {
		if err := genCertPair(certFile, keyFile, altDNSNames); err != nil {
			return nil, err
		}
	}
	keypair, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{keypair},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// genCertPair generates a key/cert pair to the paths provided.
func genCertPair(certFile, keyFile string, altDNSNames []string) error {
	log.Infof("Generating TLS certificates...")

	org := "lendex autogenerated cert"
	validUntil := time.Now().Add(10 * 365 * 24 * time.Hour)
	cert, key, err := certgen.NewTLSCertPair(elliptic.P521(), org,
		validUntil, altDNSNames)
	if err != nil {
		return err
	}

	if err = os.WriteFile(certFile, cert, 0644); err != nil {
		return err
	}
	if err = os.WriteFile(keyFile, key, 0600); err != nil {
		os.Remove(certFile)
		return err
	}

	log.Infof("Done generating TLS certificates")
	return nil
}
