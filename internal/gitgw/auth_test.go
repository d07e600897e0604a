package gitgw

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	gogithttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	gogitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"golang.org/x/crypto/ssh"
)

func writeTestSSHKey(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	path := filepath.Join(t.TempDir(), "id_rsa")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func writeTestKnownHosts(t *testing.T) string {
	t.Helper()
	hostKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(hostKey)
	if err != nil {
		t.Fatal(err)
	}
	line := "example.com " + string(ssh.MarshalAuthorizedKey(signer.PublicKey()))
	path := filepath.Join(t.TempDir(), "known_hosts")
	if err := os.WriteFile(path, []byte(line), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestTokenAuthSetsAccessTokenUsername(t *testing.T) {
	auth := TokenAuth("sometoken")
	basic, ok := auth.(interface{ Name() string })
	if !ok {
		t.Fatal("expected TokenAuth to return an auth method with a Name()")
	}
	if basic.Name() != "http-basic-auth" {
		t.Errorf("auth method name = %s, want http-basic-auth", basic.Name())
	}
	ba, ok := auth.(*gogithttp.BasicAuth)
	if !ok {
		t.Fatalf("expected *http.BasicAuth, got %T", auth)
	}
	if ba.Username != "x-access-token" {
		t.Errorf("username = %q, want x-access-token", ba.Username)
	}
}

func TestSSHKeyAuthParsesValidKey(t *testing.T) {
	keyFile := writeTestSSHKey(t)
	auth, err := SSHKeyAuth("git", keyFile, "")
	if err != nil {
		t.Fatalf("SSHKeyAuth: %v", err)
	}
	pk, ok := auth.(*gogitssh.PublicKeys)
	if !ok {
		t.Fatalf("expected *ssh.PublicKeys, got %T", auth)
	}
	if pk.HostKeyCallback == nil {
		t.Error("expected a HostKeyCallback to be set")
	}
}

func TestSSHKeyAuthRejectsMissingFile(t *testing.T) {
	_, err := SSHKeyAuth("git", filepath.Join(t.TempDir(), "does-not-exist"), "")
	if err == nil {
		t.Fatal("expected an error for a missing key file")
	}
}

func TestSSHKeyAuthRejectsGarbageKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "id_rsa")
	if err := os.WriteFile(path, []byte("not a key"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := SSHKeyAuth("git", path, ""); err == nil {
		t.Fatal("expected an error for a garbage key file")
	}
}

func TestSSHKeyAuthWithKnownHostsFile(t *testing.T) {
	keyFile := writeTestSSHKey(t)
	knownHosts := writeTestKnownHosts(t)

	auth, err := SSHKeyAuth("git", keyFile, knownHosts)
	if err != nil {
		t.Fatalf("SSHKeyAuth: %v", err)
	}
	pk := auth.(*gogitssh.PublicKeys)
	if pk.HostKeyCallback == nil {
		t.Fatal("expected a HostKeyCallback derived from known_hosts")
	}
}

func TestSSHKeyAuthRejectsBadKnownHostsFile(t *testing.T) {
	keyFile := writeTestSSHKey(t)
	_, err := SSHKeyAuth("git", keyFile, filepath.Join(t.TempDir(), "does-not-exist"))
	if err == nil {
		t.Fatal("expected an error for a missing known_hosts file")
	}
}
