package sshclient

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sshtoolkit/sshtoolkit/pkg/config"
)

// writeTestKey generates a fresh ed25519 keypair, PEM-encodes it in PKCS8
// form (which ssh.ParsePrivateKey understands), and writes it to dir.
func writeTestKey(t *testing.T, dir string) string {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	der, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)

	block := &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	keyPath := filepath.Join(dir, "id_ed25519")
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(block), 0o600))
	return keyPath
}

func TestBuildAuthMethodsRequiresKeyOrPassword(t *testing.T) {
	_, err := buildAuthMethods(config.SSHConfig{Username: "root"})
	assert.Error(t, err)
}

func TestBuildAuthMethodsPassword(t *testing.T) {
	methods, err := buildAuthMethods(config.SSHConfig{Username: "root", Password: "hunter2"})
	require.NoError(t, err)
	assert.Len(t, methods, 1)
}

func TestBuildAuthMethodsKey(t *testing.T) {
	keyPath := writeTestKey(t, t.TempDir())

	methods, err := buildAuthMethods(config.SSHConfig{Username: "root", Key: keyPath})
	require.NoError(t, err)
	assert.Len(t, methods, 1)
}

func TestBuildAuthMethodsKeyAndPasswordBothOffered(t *testing.T) {
	keyPath := writeTestKey(t, t.TempDir())

	methods, err := buildAuthMethods(config.SSHConfig{Username: "root", Key: keyPath, Password: "fallback"})
	require.NoError(t, err)
	assert.Len(t, methods, 2)
}

func TestBuildAuthMethodsRejectsMissingKeyFile(t *testing.T) {
	_, err := buildAuthMethods(config.SSHConfig{Username: "root", Key: "/nonexistent/path"})
	assert.Error(t, err)
}
