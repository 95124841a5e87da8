// Package security implements the channel identity derivations and the
// payload protection used on top of them. All helpers are stateless and
// safe for concurrent use.
package security

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrCrypto marks any authentication or key-material failure. Callers test
// with errors.Is and never branch on the message.
var ErrCrypto = errors.New("crypto failure")

// DeriveChannelSecret derives the local channel secret from the channel
// name and password: base64(SHA256(name || password)).
func DeriveChannelSecret(name, password string) string {
	sum := sha256.Sum256([]byte(name + password))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// HashPassword hashes the channel password for transmission:
// base64(HMAC-SHA256(key=secret, msg=password)).
func HashPassword(password, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(password))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// GenerateChannelID derives a channel id locally:
// hex(SHA256(name || password || developerKeySecret)). The server mints the
// id itself on create-channel; this exists for callers that derive it
// without a round trip.
func GenerateChannelID(name, password, developerKeySecret string) string {
	sum := sha256.Sum256([]byte(name + password + developerKeySecret))
	return hex.EncodeToString(sum[:])
}

// sealedContent is the JSON form of an encrypted event payload.
type sealedContent struct {
	Cipher string `json:"cipher"`
	Hash   string `json:"hash"`
}

// EncryptAndSign protects an event payload with the channel secret:
// AES-256-CTR over a SHA256-derived key with a random IV, plus an
// HMAC-SHA256 authenticator over the plaintext. The result is the JSON
// object `{"cipher", "hash"}` carried as the event content.
func EncryptAndSign(plaintext, secret string) (string, error) {
	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCrypto, err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCrypto, err)
	}

	ct := make([]byte, len(plaintext))
	cipher.NewCTR(block, iv).XORKeyStream(ct, []byte(plaintext))

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(plaintext))

	out, err := json.Marshal(sealedContent{
		Cipher: base64.StdEncoding.EncodeToString(append(iv, ct...)),
		Hash:   hex.EncodeToString(mac.Sum(nil)),
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	return string(out), nil
}

// DecryptAndVerify reverses EncryptAndSign. It fails with ErrCrypto when
// the content is malformed or the authenticator does not match.
func DecryptAndVerify(content, secret string) (string, error) {
	var sealed sealedContent
	if err := json.Unmarshal([]byte(content), &sealed); err != nil {
		return "", fmt.Errorf("%w: malformed sealed content", ErrCrypto)
	}
	raw, err := base64.StdEncoding.DecodeString(sealed.Cipher)
	if err != nil || len(raw) < aes.BlockSize {
		return "", fmt.Errorf("%w: malformed ciphertext", ErrCrypto)
	}

	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCrypto, err)
	}

	iv, ct := raw[:aes.BlockSize], raw[aes.BlockSize:]
	pt := make([]byte, len(ct))
	cipher.NewCTR(block, iv).XORKeyStream(pt, ct)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(pt)
	want, err := hex.DecodeString(sealed.Hash)
	if err != nil || !hmac.Equal(mac.Sum(nil), want) {
		return "", fmt.Errorf("%w: authenticator mismatch", ErrCrypto)
	}
	return string(pt), nil
}

// IsSealed reports whether content looks like an EncryptAndSign payload.
func IsSealed(content string) bool {
	var sealed sealedContent
	dec := json.NewDecoder(bytes.NewReader([]byte(content)))
	dec.DisallowUnknownFields()
	return dec.Decode(&sealed) == nil && sealed.Cipher != "" && sealed.Hash != ""
}
