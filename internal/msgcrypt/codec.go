package msgcrypt

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	randomPrefixLen = 16
	lengthFieldLen  = 4

	// encryptBlockSize is the pad boundary used on the encrypt path. The AES
	// block is 16 bytes; the platform SDK pads to 32.
	encryptBlockSize = 32

	maxPad = 32
)

// Crypter signs, verifies, encrypts and decrypts callback payloads for one
// corp. It is immutable after New and safe for concurrent use.
type Crypter struct {
	token  string
	corpID string
	block  cipher.Block
	iv     []byte
	rand   io.Reader
}

// New builds a Crypter from the callback token, the 43-character
// EncodingAESKey and the corp id.
func New(token, encodingAESKey, corpID string) (*Crypter, error) {
	key, err := base64.StdEncoding.DecodeString(encodingAESKey + "=")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: decoded to %d bytes, want 32", ErrInvalidKey, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	iv := make([]byte, aes.BlockSize)
	copy(iv, key[:aes.BlockSize])

	return &Crypter{
		token:  token,
		corpID: corpID,
		block:  block,
		iv:     iv,
		rand:   rand.Reader,
	}, nil
}

// CorpID returns the corp id bound into every envelope.
func (c *Crypter) CorpID() string { return c.corpID }

// Decrypt decodes a base64 ciphertext and returns the envelope payload.
func (c *Crypter) Decrypt(encrypted string) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return "", fmt.Errorf("%w: base64: %v", ErrMalformedCiphertext, err)
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return "", fmt.Errorf("%w: length %d is not a multiple of %d", ErrMalformedCiphertext, len(ciphertext), aes.BlockSize)
	}

	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(c.block, c.iv).CryptBlocks(plain, ciphertext)

	plain, err = unpad(plain)
	if err != nil {
		return "", err
	}

	if len(plain) < randomPrefixLen+lengthFieldLen {
		return "", fmt.Errorf("%w: envelope too short (%d bytes)", ErrMalformedCiphertext, len(plain))
	}
	content := plain[randomPrefixLen:]
	msgLen := binary.BigEndian.Uint32(content[:lengthFieldLen])
	content = content[lengthFieldLen:]
	if uint64(msgLen) > uint64(len(content)) {
		return "", fmt.Errorf("%w: declared length %d exceeds envelope", ErrMalformedCiphertext, msgLen)
	}

	msg := content[:msgLen]
	if !bytes.Equal(content[msgLen:], []byte(c.corpID)) {
		return "", ErrAuthenticity
	}
	return string(msg), nil
}

// Encrypt wraps plaintext in an envelope bound to the corp id and returns
// the base64 ciphertext.
func (c *Crypter) Encrypt(plaintext string) (string, error) {
	raw := make([]byte, 0, randomPrefixLen+lengthFieldLen+len(plaintext)+len(c.corpID)+encryptBlockSize)

	prefix := make([]byte, randomPrefixLen)
	if _, err := io.ReadFull(c.rand, prefix); err != nil {
		return "", fmt.Errorf("read random prefix: %w", err)
	}
	raw = append(raw, prefix...)
	raw = binary.BigEndian.AppendUint32(raw, uint32(len(plaintext)))
	raw = append(raw, plaintext...)
	raw = append(raw, c.corpID...)
	raw = pad(raw, encryptBlockSize)

	out := make([]byte, len(raw))
	cipher.NewCBCEncrypter(c.block, c.iv).CryptBlocks(out, raw)
	return base64.StdEncoding.EncodeToString(out), nil
}

func pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte) ([]byte, error) {
	p := int(b[len(b)-1])
	if p < 1 || p > maxPad || p > len(b) {
		return nil, fmt.Errorf("%w: pad value %d", ErrPadding, p)
	}
	return b[:len(b)-p], nil
}
