// Package crypto loads the execution wallet key, signs transactions with it
// and signs authenticated HTTP quote requests.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// pbkdf2Iterations is the OWASP-recommended minimum for HMAC-SHA256.
	pbkdf2Iterations = 480_000
	saltLen          = 16
	aesKeyLen        = 32
	keystoreVersion  = 1
)

// ErrNoKey is returned when no key source is configured.
var ErrNoKey = errors.New("crypto: no private key source configured")

// keystoreFile is the on-disk format of an encrypted wallet key. Binary
// fields are base64 standard encoded.
type keystoreFile struct {
	Version    int    `json:"version"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// KeySource says where the wallet key comes from. A raw key wins over a
// keystore file.
type KeySource struct {
	RawPrivateKey    string
	EncryptedKeyPath string
	KeyPassword      string
}

// Configured reports whether any key source is set.
func (s KeySource) Configured() bool {
	return s.RawPrivateKey != "" || s.EncryptedKeyPath != ""
}

// EncryptKey seals a hex private key with a password (PBKDF2-HMAC-SHA256
// derivation, AES-256-GCM) and returns the keystore JSON.
func EncryptKey(privateKeyHex, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto: encrypt: password must not be empty")
	}
	key, err := decodeKeyHex(privateKeyHex)
	if err != nil {
		return nil, err
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: encrypt: salt: %w", err)
	}
	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: encrypt: nonce: %w", err)
	}

	return json.MarshalIndent(keystoreFile{
		Version:    keystoreVersion,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, key, nil)),
	}, "", "  ")
}

// DecryptKey opens keystore JSON produced by EncryptKey and returns the hex
// private key without a 0x prefix.
func DecryptKey(data []byte, password string) (string, error) {
	if password == "" {
		return "", errors.New("crypto: decrypt: password must not be empty")
	}
	var ks keystoreFile
	if err := json.Unmarshal(data, &ks); err != nil {
		return "", fmt.Errorf("crypto: decrypt: parse keystore: %w", err)
	}
	if ks.Version != keystoreVersion {
		return "", fmt.Errorf("crypto: decrypt: unsupported keystore version %d", ks.Version)
	}

	var salt, nonce, ciphertext []byte
	for _, f := range []struct {
		name string
		src  string
		dst  *[]byte
	}{
		{"salt", ks.Salt, &salt},
		{"nonce", ks.Nonce, &nonce},
		{"ciphertext", ks.Ciphertext, &ciphertext},
	} {
		b, err := base64.StdEncoding.DecodeString(f.src)
		if err != nil {
			return "", fmt.Errorf("crypto: decrypt: %s: %w", f.name, err)
		}
		*f.dst = b
	}

	gcm, err := newGCM(password, salt)
	if err != nil {
		return "", err
	}
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("crypto: decrypt: wrong password or corrupt keystore: %w", err)
	}
	return hex.EncodeToString(plain), nil
}

// LoadKey resolves and parses the wallet key.
func LoadKey(src KeySource) (*ecdsa.PrivateKey, error) {
	var keyHex string
	switch {
	case src.RawPrivateKey != "":
		keyHex = src.RawPrivateKey
	case src.EncryptedKeyPath != "":
		data, err := os.ReadFile(src.EncryptedKeyPath)
		if err != nil {
			return nil, fmt.Errorf("crypto: read keystore: %w", err)
		}
		if keyHex, err = DecryptKey(data, src.KeyPassword); err != nil {
			return nil, err
		}
	default:
		return nil, ErrNoKey
	}

	raw, err := decodeKeyHex(keyHex)
	if err != nil {
		return nil, err
	}
	key, err := ethcrypto.ToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid secp256k1 key: %w", err)
	}
	return key, nil
}

func decodeKeyHex(s string) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto: private key is not hex: %w", err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("crypto: expected 32-byte key, got %d bytes", len(b))
	}
	return b, nil
}

func newGCM(password string, salt []byte) (cipher.AEAD, error) {
	derived := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, aesKeyLen, sha256.New)
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("crypto: cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: gcm: %w", err)
	}
	return gcm, nil
}
