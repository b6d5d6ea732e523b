/*
Package security provides the message cipher and signer used by the
pipeline, and the handshake proof.

Every key is derived from the user's shared secret with SHA-256 over a
purpose prefix, so the cipher, signer and proof never share key bytes:

	key = sha256("cipher:" + secret)

# Cipher

AESCipher is AES-256-GCM. Each message gets a random 12-byte nonce that is
prepended to the ciphertext; Decrypt fails for anything that does not
authenticate.

# Signer

HMACSigner computes HMAC-SHA256 digests and verifies them in constant time.

# Proof

Proof binds a secret to the handshake challenge. The server recomputes it
with VerifyProof; the secret itself never crosses the wire.
*/
package security
