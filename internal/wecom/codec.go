// Package wecom implements the WeCom smart-bot callback protocol: message
// signatures, the AES-CBC envelope framing and the JSON envelope shapes.
package wecom

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
)

const (
	// EncodingAESKeyLen is the length of the platform-supplied key string.
	EncodingAESKeyLen = 43

	// blockSize is the padding block used by the platform, not the AES block size.
	blockSize = 32

	randomPrefixLen = 16
	lengthFieldLen  = 4
	headerLen       = randomPrefixLen + lengthFieldLen
)

var (
	// ErrSignatureMismatch is returned when a request signature does not verify.
	ErrSignatureMismatch = errors.New("wecom: signature mismatch")
	// ErrDecrypt is returned when a ciphertext cannot be decoded into a frame.
	ErrDecrypt = errors.New("wecom: decrypt failed")
	// ErrReceiverMismatch is returned by DecryptFor when the frame was sealed
	// for a different receiver.
	ErrReceiverMismatch = errors.New("wecom: receiver id mismatch")
)

// Codec signs, verifies, encrypts and decrypts callback payloads for one bot.
// It holds no mutable state and is safe for concurrent use.
type Codec struct {
	token      string
	receiverID string
	key        []byte
	iv         []byte
	block      cipher.Block
}

// NewCodec builds a Codec from the bot token and the 43-character
// EncodingAESKey. receiverID may be empty (smart bots do not use one).
func NewCodec(token, encodingAESKey, receiverID string) (*Codec, error) {
	if len(encodingAESKey) != EncodingAESKeyLen {
		return nil, fmt.Errorf("wecom: encodingAESKey must be %d characters, got %d", EncodingAESKeyLen, len(encodingAESKey))
	}
	key, err := base64.StdEncoding.DecodeString(encodingAESKey + "=")
	if err != nil {
		return nil, fmt.Errorf("wecom: decode encodingAESKey: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("wecom: encodingAESKey decodes to %d bytes, want 32", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("wecom: %w", err)
	}
	return &Codec{
		token:      token,
		receiverID: receiverID,
		key:        key,
		iv:         key[:aes.BlockSize],
		block:      block,
	}, nil
}

// ReceiverID returns the receiver id appended to outbound frames.
func (c *Codec) ReceiverID() string { return c.receiverID }

// VerifySignature reports whether signature matches the SHA-1 digest of the
// token, timestamp, nonce and payload. Empty values are left out of the digest.
func (c *Codec) VerifySignature(signature, timestamp, nonce, payload string) bool {
	parts := make([]string, 0, 4)
	for _, v := range []string{c.token, timestamp, nonce, payload} {
		if v != "" {
			parts = append(parts, v)
		}
	}
	expected := digest(parts)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

// Sign returns the signature for an outbound ciphertext.
func (c *Codec) Sign(timestamp, nonce, ciphertext string) string {
	return digest([]string{c.token, timestamp, nonce, ciphertext})
}

func digest(parts []string) string {
	sort.Strings(parts)
	sum := sha1.Sum([]byte(strings.Join(parts, "")))
	return hex.EncodeToString(sum[:])
}

// Decrypt decodes a base64 ciphertext and returns the framed message and the
// receiver id it was sealed for. The receiver id is not checked; see DecryptFor.
func (c *Codec) Decrypt(encoded string) (message, receiverID string, err error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", "", fmt.Errorf("%w: base64: %v", ErrDecrypt, err)
	}
	plain, err := c.decryptBlocks(raw)
	if err != nil {
		return "", "", err
	}
	plain, err = unpad(plain)
	if err != nil {
		return "", "", err
	}
	if len(plain) < headerLen {
		return "", "", fmt.Errorf("%w: frame too short (%d bytes)", ErrDecrypt, len(plain))
	}
	msgLen := binary.BigEndian.Uint32(plain[randomPrefixLen:headerLen])
	if uint64(msgLen) > uint64(len(plain)-headerLen) {
		return "", "", fmt.Errorf("%w: length field %d exceeds frame", ErrDecrypt, msgLen)
	}
	end := headerLen + int(msgLen)
	return string(plain[headerLen:end]), string(plain[end:]), nil
}

// DecryptFor is Decrypt plus a receiver check. The check only applies when
// the codec was configured with a receiver id.
func (c *Codec) DecryptFor(encoded string) (string, error) {
	msg, rid, err := c.Decrypt(encoded)
	if err != nil {
		return "", err
	}
	if c.receiverID != "" && rid != c.receiverID {
		return "", ErrReceiverMismatch
	}
	return msg, nil
}

// Encrypt frames plaintext with a fresh random prefix and the configured
// receiver id, pads it and returns the base64 ciphertext.
func (c *Codec) Encrypt(plaintext string) (string, error) {
	msg := []byte(plaintext)
	frame := make([]byte, headerLen, headerLen+len(msg)+len(c.receiverID)+blockSize)
	if _, err := rand.Read(frame[:randomPrefixLen]); err != nil {
		return "", fmt.Errorf("wecom: random prefix: %w", err)
	}
	binary.BigEndian.PutUint32(frame[randomPrefixLen:headerLen], uint32(len(msg)))
	frame = append(frame, msg...)
	frame = append(frame, c.receiverID...)
	frame = pad(frame)

	out := make([]byte, len(frame))
	cipher.NewCBCEncrypter(c.block, c.iv).CryptBlocks(out, frame)
	return base64.StdEncoding.EncodeToString(out), nil
}

// DecryptMedia decrypts a downloaded media file. Media files use the same key
// and IV as callbacks but carry no frame, only padding.
func (c *Codec) DecryptMedia(raw []byte) ([]byte, error) {
	plain, err := c.decryptBlocks(raw)
	if err != nil {
		return nil, err
	}
	return unpad(plain)
}

func (c *Codec) decryptBlocks(raw []byte) ([]byte, error) {
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d is not a multiple of %d", ErrDecrypt, len(raw), aes.BlockSize)
	}
	out := make([]byte, len(raw))
	cipher.NewCBCDecrypter(c.block, c.iv).CryptBlocks(out, raw)
	return out, nil
}

// pad always adds between 1 and blockSize bytes, each equal to the pad length.
func pad(b []byte) []byte {
	n := blockSize - len(b)%blockSize
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

// unpad strips the pad length named by the last byte. Only that byte is checked.
func unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty plaintext", ErrDecrypt)
	}
	n := int(b[len(b)-1])
	if n == 0 || n > blockSize || n > len(b) {
		return nil, fmt.Errorf("%w: bad padding length %d", ErrDecrypt, n)
	}
	return b[:len(b)-n], nil
}
