package server

import (
	"crypto/tls"
	"testing"
)

func TestTLSVersion(t *testing.T) {
	tests := []struct {
		name    string
		want    uint16
		wantErr bool
	}{
		{"TLSv1.0", tls.VersionTLS10, false},
		{"TLSv1.1", tls.VersionTLS11, false},
		{"TLSv1.2", tls.VersionTLS12, false},
		{"TLSv1.3", tls.VersionTLS13, false},
		{"SSLv3", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tlsVersion(tt.name)
			if (err != nil) != tt.wantErr {
				t.Fatalf("tlsVersion(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("tlsVersion(%q) = %d, want %d", tt.name, got, tt.want)
			}
		})
	}
}

func TestGenerateCertificate(t *testing.T) {
	cert, err := serverCertificate()
	if err != nil {
		t.Fatalf("serverCertificate() error = %v", err)
	}
	if cert.Leaf == nil {
		t.Fatal("certificate leaf not parsed")
	}
	if cert.Leaf.Subject.CommonName != "localhost" {
		t.Errorf("common name = %q, want localhost", cert.Leaf.Subject.CommonName)
	}
	if err := cert.Leaf.VerifyHostname("localhost"); err != nil {
		t.Errorf("certificate does not cover localhost: %v", err)
	}
	if err := cert.Leaf.VerifyHostname("127.0.0.1"); err != nil {
		t.Errorf("certificate does not cover 127.0.0.1: %v", err)
	}

	// cached per process
	again, err := serverCertificate()
	if err != nil {
		t.Fatalf("second serverCertificate() error = %v", err)
	}
	if &cert.Certificate[0][0] != &again.Certificate[0][0] {
		t.Error("certificate was regenerated instead of cached")
	}
}

func TestListenPlain(t *testing.T) {
	listener, err := Listen(0, false, "TLSv1.2")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer listener.Close()

	if listener.Addr().String() == "" {
		t.Error("listener has no address")
	}
}

func TestListenUnknownProtocol(t *testing.T) {
	if _, err := Listen(0, true, "SSLv3"); err == nil {
		t.Fatal("Listen() with unknown protocol succeeded, want error")
	}
}
