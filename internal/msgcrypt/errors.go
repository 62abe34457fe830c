package msgcrypt

import "errors"

var (
	// ErrAuthentication reports a msg_signature that does not match.
	ErrAuthentication = errors.New("signature verification failed")

	// ErrMalformedCiphertext reports ciphertext that is not valid base64, is not
	// block aligned, or decrypts to a buffer too short for the envelope.
	ErrMalformedCiphertext = errors.New("malformed ciphertext")

	// ErrPadding reports a pad byte outside [1, 32].
	ErrPadding = errors.New("invalid padding")

	// ErrAuthenticity reports an envelope whose corp id suffix does not match.
	ErrAuthenticity = errors.New("envelope corp id mismatch")

	// ErrInvalidKey reports an EncodingAESKey that does not decode to 32 bytes.
	ErrInvalidKey = errors.New("invalid encoding aes key")
)
