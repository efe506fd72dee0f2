package quicplane

import (
	"crypto/x509"
	"testing"
)

func TestGenerateSelfSignedProducesValidCert(t *testing.T) {
	cert, err := generateSelfSigned()
	if err != nil {
		t.Fatalf("generateSelfSigned: %v", err)
	}
	if len(cert.Certificate) == 0 {
		t.Fatal("no certificate bytes produced")
	}
	parsed, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatalf("parse generated certificate: %v", err)
	}
	if parsed.Subject.CommonName != "relaytun-relay" {
		t.Fatalf("common name = %q, want relaytun-relay", parsed.Subject.CommonName)
	}
}

func TestLoadOrGenerateCertFallsBackWithoutPaths(t *testing.T) {
	cert, err := loadOrGenerateCert("", "")
	if err != nil {
		t.Fatalf("loadOrGenerateCert: %v", err)
	}
	if len(cert.Certificate) == 0 {
		t.Fatal("expected a generated certificate")
	}
}
