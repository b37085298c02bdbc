// Package identity holds an instance's Ed25519 keypair and signs and
// verifies event bytes.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"

	"github.com/roach88/fedlog/internal/ir"
)

// Errors
var (
	ErrInvalidKeyFormat = errors.New("identity: invalid key format")
	ErrUnsupportedKey   = errors.New("identity: unsupported key type (expected Ed25519)")
	ErrKeyEncrypted     = errors.New("identity: key is encrypted")
)

// keyFileMode restricts the private key to the owning user.
const keyFileMode = 0o600

// Identity is an instance keypair. It is immutable; rotation means a new
// Identity and a new public key.
type Identity struct {
	priv ed25519.PrivateKey
	pub  ir.PublicKey
}

// Generate creates a new identity from crypto/rand.
func Generate() (*Identity, error) {
	return generateFrom(rand.Reader)
}

func generateFrom(r io.Reader) (*Identity, error) {
	_, priv, err := ed25519.GenerateKey(r)
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	return FromPrivateKey(priv)
}

// FromSeed derives an identity from a 32-byte seed.
func FromSeed(seed []byte) (*Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: seed must be %d bytes, got %d", ErrInvalidKeyFormat, ed25519.SeedSize, len(seed))
	}
	return FromPrivateKey(ed25519.NewKeyFromSeed(seed))
}

// FromPrivateKey wraps an existing Ed25519 private key.
func FromPrivateKey(priv ed25519.PrivateKey) (*Identity, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: private key must be %d bytes, got %d", ErrInvalidKeyFormat, ed25519.PrivateKeySize, len(priv))
	}
	id := &Identity{priv: priv}
	copy(id.pub[:], priv.Public().(ed25519.PublicKey))
	return id, nil
}

// PublicKey returns the instance's public key.
func (id *Identity) PublicKey() ir.PublicKey {
	return id.pub
}

// NodeID returns the HLC node id derived from the public key.
func (id *Identity) NodeID() ir.NodeID {
	return id.pub.NodeID()
}

// Sign returns a 64-byte signature over msg.
func (id *Identity) Sign(msg []byte) ir.Signature {
	return ir.Signature(ed25519.Sign(id.priv, msg))
}

// Fingerprint returns the OpenSSH SHA256 fingerprint of the public key.
func (id *Identity) Fingerprint() string {
	sshPub, err := ssh.NewPublicKey(ed25519.PublicKey(id.pub[:]))
	if err != nil {
		return ""
	}
	return ssh.FingerprintSHA256(sshPub)
}

// Verify reports whether sig is a valid signature of msg by pub.
// Malformed signatures return false.
func Verify(pub ir.PublicKey, msg []byte, sig ir.Signature) bool {
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub[:]), msg, sig)
}

// Save writes the private key to path as an OpenSSH PEM block readable
// only by the owner. Parent directories are created as needed.
func (id *Identity) Save(path string, comment string) error {
	block, err := ssh.MarshalPrivateKey(id.priv, comment)
	if err != nil {
		return fmt.Errorf("marshal key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), keyFileMode); err != nil {
		return fmt.Errorf("write key: %w", err)
	}
	// WriteFile keeps the mode of an existing file.
	if err := os.Chmod(path, keyFileMode); err != nil {
		return fmt.Errorf("chmod key: %w", err)
	}
	return nil
}

// Load reads a private key file. Supports OpenSSH format and raw 32-byte
// seeds or 64-byte keys.
func Load(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}

	switch len(data) {
	case ed25519.SeedSize:
		return FromSeed(data)
	case ed25519.PrivateKeySize:
		return FromPrivateKey(ed25519.PrivateKey(data))
	}

	priv, err := parseOpenSSHKey(data)
	if err != nil {
		return nil, err
	}
	return FromPrivateKey(priv)
}

// LoadOrGenerate loads the key at path, creating and saving a new one on
// first run. created reports whether a new identity was generated.
func LoadOrGenerate(path string) (id *Identity, created bool, err error) {
	id, err = Load(path)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}

	id, err = Generate()
	if err != nil {
		return nil, false, err
	}
	if err := id.Save(path, "fedlog"); err != nil {
		return nil, false, err
	}
	return id, true, nil
}

func parseOpenSSHKey(data []byte) (ed25519.PrivateKey, error) {
	if block, _ := pem.Decode(data); block == nil {
		return nil, ErrInvalidKeyFormat
	}

	parsed, err := ssh.ParseRawPrivateKey(data)
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, ErrKeyEncrypted
		}
		return nil, fmt.Errorf("parse key: %w", err)
	}

	switch k := parsed.(type) {
	case *ed25519.PrivateKey:
		return *k, nil
	case ed25519.PrivateKey:
		return k, nil
	default:
		return nil, fmt.Errorf("%w: got %T", ErrUnsupportedKey, parsed)
	}
}
