// Package msgcrypt implements the WeCom callback message protection scheme.
//
// Every callback carries a msg_signature, timestamp and nonce in the query
// string. The signature is the lowercase hex SHA-1 of the token, timestamp,
// nonce and ciphertext after sorting them as strings and concatenating.
//
// # Envelope
//
// Payloads are AES-256-CBC encrypted with the 32-byte key decoded from the
// 43-character EncodingAESKey. The IV is the first 16 bytes of the key. The
// plaintext layout is:
//
//	random(16) | length(4, big-endian) | payload(length) | corpID
//
// followed by PKCS#7 style padding. The trailing corp id binds the payload to
// a single enterprise; a mismatch is reported as ErrAuthenticity even when the
// cipher operation itself succeeded.
//
// # Padding
//
// Encrypt pads to a 32-byte boundary, matching the platform's reference SDK.
// Decrypt accepts any ciphertext that is a multiple of the 16-byte AES block
// and any pad value in [1, 32].
//
// # Usage
//
//	c, err := msgcrypt.New(token, encodingAESKey, corpID)
//	if err != nil {
//		return err
//	}
//	if !c.Verify(sig, ts, nonce, encrypted) {
//		return msgcrypt.ErrAuthentication
//	}
//	plain, err := c.Decrypt(encrypted)
package msgcrypt
