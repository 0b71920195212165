// Package sshkey reads and generates the SSH keys used for VM admin access.
package sshkey

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

// KeyPair is an on-disk SSH keypair.
type KeyPair struct {
	PrivateKeyPath string
	PublicKeyPath  string
	// PublicKey is the authorized_keys line, without a trailing newline.
	PublicKey string
}

// ReadPublicKey reads an authorized_keys formatted public key from path and
// returns it trimmed. The file must hold a key ssh can parse.
func ReadPublicKey(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read SSH public key: %w", err)
	}
	if _, _, _, _, err := ssh.ParseAuthorizedKey(data); err != nil {
		return "", fmt.Errorf("parse SSH public key %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// DefaultDir returns ~/.ssh.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("locate home directory: %w", err)
	}
	return filepath.Join(home, ".ssh"), nil
}

// GetOrGenerate returns the keypair dir/name and dir/name.pub, generating an
// ed25519 pair when the private key does not exist yet. A missing public
// half is rebuilt from the private key.
func GetOrGenerate(dir, name string) (*KeyPair, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}

	kp := &KeyPair{
		PrivateKeyPath: filepath.Join(dir, name),
		PublicKeyPath:  filepath.Join(dir, name+".pub"),
	}

	privPEM, err := os.ReadFile(kp.PrivateKeyPath)
	switch {
	case err == nil:
		if pub, err := ReadPublicKey(kp.PublicKeyPath); err == nil {
			kp.PublicKey = pub
			return kp, nil
		}
		signer, err := ssh.ParsePrivateKey(privPEM)
		if err != nil {
			return nil, fmt.Errorf("parse existing private key %s: %w", kp.PrivateKeyPath, err)
		}
		if err := kp.writePublic(signer.PublicKey(), name); err != nil {
			return nil, err
		}
		return kp, nil
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("read private key: %w", err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, name)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	if err := os.WriteFile(kp.PrivateKeyPath, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, fmt.Errorf("write private key: %w", err)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("convert public key: %w", err)
	}
	if err := kp.writePublic(sshPub, name); err != nil {
		return nil, err
	}
	return kp, nil
}

func (kp *KeyPair) writePublic(pub ssh.PublicKey, comment string) error {
	line := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(pub))) + " " + comment
	if err := os.WriteFile(kp.PublicKeyPath, []byte(line+"\n"), 0o644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	kp.PublicKey = line
	return nil
}
