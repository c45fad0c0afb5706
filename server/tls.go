package server

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"
)

// Listen returns a listener bound to the loopback interface: plain TCP,
// or TLS with a process-cached self-signed RSA certificate for
// localhost. With TLS, only the named protocol version is enabled.
func Listen(port int, useSSL bool, sslProtocol string) (net.Listener, error) {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	if !useSSL {
		return net.Listen("tcp", addr)
	}

	version, err := tlsVersion(sslProtocol)
	if err != nil {
		return nil, err
	}
	cert, err := serverCertificate()
	if err != nil {
		return nil, fmt.Errorf("generate server certificate: %w", err)
	}
	config := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   version,
		MaxVersion:   version,
	}
	return tls.Listen("tcp", addr, config)
}

func tlsVersion(name string) (uint16, error) {
	switch name {
	case "TLSv1.0", "TLSv1":
		return tls.VersionTLS10, nil
	case "TLSv1.1":
		return tls.VersionTLS11, nil
	case "TLSv1.2":
		return tls.VersionTLS12, nil
	case "TLSv1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("unknown SSL protocol: %s", name)
	}
}

// serverCertificate returns the self-signed localhost certificate, which
// is generated once per process.
var serverCertificate = sync.OnceValues(generateCertificate)

func generateCertificate() (tls.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, err
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}
