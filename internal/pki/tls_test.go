// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package pki

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type testPKI struct {
	dir        string
	caCert     *x509.Certificate
	caKey      *ecdsa.PrivateKey
	caPath     string
	serverCert string
	serverKey  string
	agentCert  string
	agentKey   string
}

// issue gera um par chave/certificado em dir. Com parent nil o certificado é auto-assinado.
func issue(t *testing.T, dir, name string, tmpl *x509.Certificate, parent *x509.Certificate, parentKey *ecdsa.PrivateKey) (string, string, *x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating key %s: %v", name, err)
	}
	tmpl.NotBefore = time.Now().Add(-time.Minute)
	tmpl.NotAfter = time.Now().Add(time.Hour)
	signer := key
	if parent == nil {
		parent = tmpl
	} else {
		signer = parentKey
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, &key.PublicKey, signer)
	if err != nil {
		t.Fatalf("creating certificate %s: %v", name, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parsing certificate %s: %v", name, err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshaling key %s: %v", name, err)
	}

	certPath := filepath.Join(dir, name+".pem")
	keyPath := filepath.Join(dir, name+"-key.pem")
	writePEM(t, certPath, "CERTIFICATE", der)
	writePEM(t, keyPath, "EC PRIVATE KEY", keyDER)
	return certPath, keyPath, cert, key
}

func writePEM(t *testing.T, path, blockType string, data []byte) {
	t.Helper()
	if err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: data}), 0600); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}

func newTestPKI(t *testing.T) *testPKI {
	t.Helper()
	p := &testPKI{dir: t.TempDir()}
	p.caPath, _, p.caCert, p.caKey = issue(t, p.dir, "ca", &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "nbro test CA"},
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}, nil, nil)
	p.serverCert, p.serverKey, _, _ = issue(t, p.dir, "orchestrator", &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "orchestrator"},
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
		DNSNames:     []string{"localhost"},
	}, p.caCert, p.caKey)
	p.agentCert, p.agentKey, _, _ = issue(t, p.dir, "agent", &x509.Certificate{
		SerialNumber: big.NewInt(3),
		Subject:      pkix.Name{CommonName: "A1"},
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}, p.caCert, p.caKey)
	return p
}

func TestClientConfig(t *testing.T) {
	p := newTestPKI(t)
	cfg, err := ClientConfig(p.caPath, p.agentCert, p.agentKey, "localhost:9850")
	if err != nil {
		t.Fatalf("ClientConfig: %v", err)
	}
	if cfg.MinVersion != tls.VersionTLS13 || cfg.RootCAs == nil || len(cfg.Certificates) != 1 {
		t.Errorf("unexpected client config: %+v", cfg)
	}
	if cfg.ServerName != "localhost" {
		t.Errorf("expected server name from address, got %q", cfg.ServerName)
	}
}

func TestServerConfig(t *testing.T) {
	p := newTestPKI(t)
	cfg, err := ServerConfig(p.caPath, p.serverCert, p.serverKey)
	if err != nil {
		t.Fatalf("ServerConfig: %v", err)
	}
	if cfg.ClientAuth != tls.RequireAndVerifyClientCert || cfg.ClientCAs == nil {
		t.Errorf("mTLS not required: %+v", cfg)
	}
}

func TestMutualTLS(t *testing.T) {
	p := newTestPKI(t)
	serverCfg, err := ServerConfig(p.caPath, p.serverCert, p.serverKey)
	if err != nil {
		t.Fatalf("ServerConfig: %v", err)
	}

	ln, err := tls.Listen("tcp", "127.0.0.1:0", serverCfg)
	if err != nil {
		t.Fatalf("TLS listen: %v", err)
	}
	defer ln.Close()

	done := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			done <- err
			return
		}
		defer conn.Close()
		_, err = io.Copy(conn, io.LimitReader(conn, 4))
		done <- err
	}()

	clientCfg, err := ClientConfig(p.caPath, p.agentCert, p.agentKey, ln.Addr().String())
	if err != nil {
		t.Fatalf("ClientConfig: %v", err)
	}
	conn, err := tls.Dial("tcp", ln.Addr().String(), clientCfg)
	if err != nil {
		t.Fatalf("TLS dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("CTRL")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "CTRL" {
		t.Errorf("expected echo, got %q", buf)
	}
	if err := <-done; err != nil {
		t.Fatalf("server: %v", err)
	}
}

func TestMutualTLS_UntrustedAgent(t *testing.T) {
	p := newTestPKI(t)
	serverCfg, err := ServerConfig(p.caPath, p.serverCert, p.serverKey)
	if err != nil {
		t.Fatalf("ServerConfig: %v", err)
	}

	// Certificado auto-assinado, fora da CA.
	rogueCert, rogueKey, _, _ := issue(t, p.dir, "rogue", &x509.Certificate{
		SerialNumber: big.NewInt(99),
		Subject:      pkix.Name{CommonName: "rogue"},
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}, nil, nil)

	ln, err := tls.Listen("tcp", "127.0.0.1:0", serverCfg)
	if err != nil {
		t.Fatalf("TLS listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.(*tls.Conn).Handshake()
	}()

	clientCfg, err := ClientConfig(p.caPath, rogueCert, rogueKey, ln.Addr().String())
	if err != nil {
		t.Fatalf("ClientConfig: %v", err)
	}
	conn, err := tls.Dial("tcp", ln.Addr().String(), clientCfg)
	if err != nil {
		return
	}
	defer conn.Close()

	// Em TLS 1.3 a rejeição do certificado do cliente chega na primeira leitura.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	conn.Write([]byte("x"))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Fatal("expected untrusted agent certificate to be rejected")
	}
}

func TestClientConfig_InvalidFiles(t *testing.T) {
	p := newTestPKI(t)
	bogus := filepath.Join(p.dir, "bogus.pem")
	os.WriteFile(bogus, []byte("not a certificate"), 0644)

	if _, err := ClientConfig(bogus, p.agentCert, p.agentKey, "localhost:9850"); err == nil {
		t.Error("expected error for invalid CA")
	}
	if _, err := ClientConfig(p.caPath, "/nonexistent/a.pem", "/nonexistent/k.pem", "localhost:9850"); err == nil {
		t.Error("expected error for missing certificate")
	}
	if _, err := ServerConfig(filepath.Join(p.dir, "missing.pem"), p.serverCert, p.serverKey); err == nil {
		t.Error("expected error for missing CA")
	}
}
