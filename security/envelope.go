package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// EnvelopeAlg identifies the only envelope construction in use.
const EnvelopeAlg = "X25519-HKDF-SHA256-AES256GCM"

const envelopeInfoPrefix = "channel-envelope|"

// b64url is the key/ciphertext encoding on the wire: URL-safe, no padding.
var b64url = base64.RawURLEncoding

// X25519KeyPair holds a static or ephemeral Curve25519 key pair.
type X25519KeyPair struct {
	Public  []byte
	Private []byte
}

// GenerateX25519 creates a fresh key pair.
func GenerateX25519() (*X25519KeyPair, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(rand.Reader, priv); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	return &X25519KeyPair{Public: pub, Private: priv}, nil
}

// EncodeKey renders key bytes in the wire encoding.
func EncodeKey(key []byte) string { return b64url.EncodeToString(key) }

// DecodeKey parses a wire-encoded key and checks its length.
func DecodeKey(s string) ([]byte, error) {
	b, err := b64url.DecodeString(s)
	if err != nil || len(b) != curve25519.PointSize {
		return nil, fmt.Errorf("%w: malformed key material", ErrCrypto)
	}
	return b, nil
}

// Envelope is an asymmetric sealed payload addressed to one recipient on
// one channel. The channel id and recipient name are bound into both the
// key derivation and the GCM additional data, so an envelope replayed on
// another channel or to another agent fails to open.
type Envelope struct {
	EphemeralPub string `json:"ephemeralPub"`
	Nonce        string `json:"nonce"`
	Ciphertext   string `json:"ciphertext"`
	Alg          string `json:"alg"`
}

func envelopeContext(channelID, recipientName string) (info, aad []byte) {
	binding := channelID + "|" + recipientName
	return []byte(envelopeInfoPrefix + binding), []byte(binding)
}

// Wrap seals plaintext for the holder of recipientPub.
func Wrap(recipientPub []byte, plaintext []byte, channelID, recipientName string) (*Envelope, error) {
	eph, err := GenerateX25519()
	if err != nil {
		return nil, err
	}
	shared, err := curve25519.X25519(eph.Private, recipientPub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}

	info, aad := envelopeContext(channelID, recipientName)
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, nil, info), key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}

	return &Envelope{
		EphemeralPub: EncodeKey(eph.Public),
		Nonce:        b64url.EncodeToString(nonce),
		Ciphertext:   b64url.EncodeToString(gcm.Seal(nil, nonce, plaintext, aad)),
		Alg:          EnvelopeAlg,
	}, nil
}

// Unwrap opens an envelope with the recipient's private key. Any mismatch
// in algorithm, channel id or recipient name fails with ErrCrypto.
func Unwrap(recipientPriv []byte, env *Envelope, channelID, recipientName string) ([]byte, error) {
	if env == nil || env.Alg != EnvelopeAlg {
		return nil, fmt.Errorf("%w: unsupported envelope algorithm", ErrCrypto)
	}
	ephPub, err := DecodeKey(env.EphemeralPub)
	if err != nil {
		return nil, err
	}
	nonce, err := b64url.DecodeString(env.Nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed nonce", ErrCrypto)
	}
	ct, err := b64url.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed ciphertext", ErrCrypto)
	}

	shared, err := curve25519.X25519(recipientPriv, ephPub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}

	info, aad := envelopeContext(channelID, recipientName)
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, nil, info), key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("%w: malformed nonce", ErrCrypto)
	}

	pt, err := gcm.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: envelope authentication failed", ErrCrypto)
	}
	return pt, nil
}
