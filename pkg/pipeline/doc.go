/*
Package pipeline encodes payloads into wire bytes and decodes them back.

# Stages

Encode runs a fixed sequence; options only switch stages off:

	payload -> base64 -> sign -> encrypt -> proxy -> wire

  - base64: RFC 4648 standard encoding, so output never contains raw
    delimiter bytes
  - sign: appends "." and the hex HMAC of the base64 text
  - encrypt: AES-GCM, re-encoded as base64
  - proxy: prefixes "<target>$<source>$" when relaying

Decode undoes sign and encrypt in reverse order. Any mismatch, bad
encoding or failed authentication is reported as ErrIntegrity. Proxy
framing is stripped by SplitProxy before Decode.

# Delimiters

Every byte Encode can emit belongs to a fixed alphabet. ValidateDelimiter
rejects a delimiter that shares a byte with it, which is what lets the
channel split frames on a plain byte search.
*/
package pipeline
