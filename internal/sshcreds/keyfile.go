package sshcreds

import (
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"
)

// loadPrivateKeyFile reads and parses a private key from disk. ssh.ParsePrivateKey
// auto-detects Ed25519/RSA/ECDSA from the PEM block, so unlike paramiko there is
// no need for an explicit per-type try order.
func loadPrivateKeyFile(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read SSH key file %s: %w", path, err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse SSH key file %s: %w", path, err)
	}
	return signer, nil
}
