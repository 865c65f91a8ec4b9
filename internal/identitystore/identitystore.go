// Package identitystore manages the long-lived X25519 identity used to
// address a peer and to agree on per-message keys. The private scalar
// never leaves process memory unencrypted except transiently during
// Argon2id-gated load/save; it is zeroized on every exit path.
package identitystore

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mr-tron/base58"

	"github.com/shurlinet/deaddrop/internal/primitive"
)

// IdentityFileName is the default file name for a sealed identity within a
// data directory.
const IdentityFileName = "identity.enc"

var (
	// ErrWrongPassword is returned when the supplied passphrase fails to
	// authenticate an existing identity record.
	ErrWrongPassword = errors.New("identitystore: wrong password")
	// ErrCorrupt is returned when an identity record cannot be parsed or
	// has a malformed shape, independent of passphrase correctness.
	ErrCorrupt = errors.New("identitystore: corrupt identity record")
)

// Identity is an X25519 keypair used for peer addressing and ECDH.
type Identity struct {
	PublicKey  []byte // 32 bytes
	privateKey []byte // 32 bytes
}

// storedIdentity is the on-disk JSON record: an Argon2id salt plus an
// AES-256-GCM-sealed private scalar. Byte slices are base64-encoded for
// JSON transport.
type storedIdentity struct {
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// Generate creates a fresh random identity.
func Generate() (*Identity, error) {
	priv, pub, err := primitive.GenerateX25519()
	if err != nil {
		return nil, fmt.Errorf("identitystore: generating keypair: %w", err)
	}
	return &Identity{PublicKey: pub, privateKey: priv}, nil
}

// PublicID returns the base58 encoding of the public key, the form used to
// address this identity's gossip inbox topic.
func (id *Identity) PublicID() string {
	return PublicIDFor(id.PublicKey)
}

// PublicIDFor returns the base58 encoding of an arbitrary X25519 public
// key, the same addressing form PublicID uses for this identity's own
// key. Lets callers address a peer's inbox topic from a raw public key
// without constructing an Identity around it.
func PublicIDFor(publicKey []byte) string {
	return base58.Encode(publicKey)
}

// SharedSecret performs ECDH against a peer's public key.
func (id *Identity) SharedSecret(peerPublicKey []byte) ([]byte, error) {
	return primitive.ECDH(id.privateKey, peerPublicKey)
}

// Destroy zeroizes the private scalar. The Identity must not be used
// afterward.
func (id *Identity) Destroy() {
	primitive.Zeroize(id.privateKey)
}

// LoadOrGenerate loads the identity sealed at <dataDir>/identity.enc under
// passphrase, generating and persisting a new one if no file exists yet.
func LoadOrGenerate(dataDir string, passphrase []byte) (*Identity, error) {
	path := filepath.Join(dataDir, IdentityFileName)
	if _, err := os.Stat(path); err == nil {
		return Load(path, passphrase)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("identitystore: statting %s: %w", path, err)
	}

	id, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := Save(path, passphrase, id); err != nil {
		return nil, err
	}
	return id, nil
}

// Save seals id under passphrase and atomically writes it to path.
func Save(path string, passphrase []byte, id *Identity) error {
	salt, err := primitive.NewSalt()
	if err != nil {
		return err
	}
	key, err := primitive.DeriveKey(passphrase, salt)
	if err != nil {
		return fmt.Errorf("identitystore: deriving key: %w", err)
	}
	defer primitive.Zeroize(key)

	nonce, err := primitive.NewNonce()
	if err != nil {
		return err
	}
	ciphertext, err := primitive.SealAESGCM(key, nonce, id.privateKey, nil)
	if err != nil {
		return fmt.Errorf("identitystore: sealing private key: %w", err)
	}

	record := storedIdentity{
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("identitystore: encoding record: %w", err)
	}

	return atomicWriteFile(path, data, 0o600)
}

// Load reads and unseals the identity at path under passphrase.
// Distinguishes ErrWrongPassword (AEAD authentication failure) from
// ErrCorrupt (malformed record, regardless of passphrase).
func Load(path string, passphrase []byte) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("identitystore: reading %s: %w", path, err)
	}

	var record storedIdentity
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	salt, err := base64.StdEncoding.DecodeString(record.Salt)
	if err != nil {
		return nil, fmt.Errorf("%w: bad salt encoding: %v", ErrCorrupt, err)
	}
	nonce, err := base64.StdEncoding.DecodeString(record.Nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: bad nonce encoding: %v", ErrCorrupt, err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(record.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: bad ciphertext encoding: %v", ErrCorrupt, err)
	}
	if len(salt) != primitive.SaltLen || len(nonce) != primitive.NonceLen {
		return nil, fmt.Errorf("%w: malformed salt/nonce length", ErrCorrupt)
	}

	key, err := primitive.DeriveKey(passphrase, salt)
	if err != nil {
		return nil, fmt.Errorf("identitystore: deriving key: %w", err)
	}
	defer primitive.Zeroize(key)

	plaintext, err := primitive.OpenAESGCM(key, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrWrongPassword
	}
	if len(plaintext) != 32 {
		primitive.Zeroize(plaintext)
		return nil, fmt.Errorf("%w: private key has length %d, want 32", ErrCorrupt, len(plaintext))
	}

	pub, err := primitive.PublicFromPrivate(plaintext)
	if err != nil {
		primitive.Zeroize(plaintext)
		return nil, fmt.Errorf("identitystore: deriving public key: %w", err)
	}

	return &Identity{PublicKey: pub, privateKey: plaintext}, nil
}

// atomicWriteFile writes data to a temp file in the same directory as path
// and renames it into place, so a crash mid-write never leaves a partial
// identity record.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".identity-*.tmp")
	if err != nil {
		return fmt.Errorf("identitystore: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("identitystore: writing temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("identitystore: chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("identitystore: closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("identitystore: renaming into place: %w", err)
	}
	return nil
}
