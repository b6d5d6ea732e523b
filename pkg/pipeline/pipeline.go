package pipeline

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/cuemby/beedrive/pkg/security"
)

const (
	// ProxySeparator splits target, source and inner message of a proxy frame
	ProxySeparator = '$'

	signSeparator = '.'
)

var (
	// ErrIntegrity is returned when a message fails verification on decode
	ErrIntegrity = errors.New("message integrity check failed")

	// ErrMalformedProxyFrame is returned when a proxy frame lacks its separators
	ErrMalformedProxyFrame = errors.New("malformed proxy frame")

	// ErrInvalidProxyContext is returned when a proxy token would collide with the separator
	ErrInvalidProxyContext = errors.New("proxy target and source must not contain the separator")

	// ErrUnsafeDelimiter is returned when a delimiter could appear inside encoded output
	ErrUnsafeDelimiter = errors.New("delimiter must contain a byte outside the encoded alphabet")
)

// encodedAlphabet holds every byte the encode path can emit. Proxy tokens
// are addresses and UUIDs, so their characters are included.
const encodedAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/=.$:[]-_%"

// ProxyContext re-addresses outgoing messages through a relay
type ProxyContext struct {
	// Target is the address of the final peer
	Target string
	// Source is the identity code of the local endpoint
	Source string
}

// Options configures a pipeline
type Options struct {
	Secret string
	Crypto bool
	Sign   bool
	Proxy  *ProxyContext
}

type transform func([]byte) ([]byte, error)

// stage is one optional step. A disabled stage is the identity.
type stage struct {
	name    string
	enabled bool
	apply   transform
}

// Pipeline encodes payloads into wire bytes and decodes them back. Every
// pipeline runs the same ordered stages; options only switch stages off.
type Pipeline struct {
	encode []stage
	decode []stage
}

// New builds a pipeline from opts
func New(opts Options) (*Pipeline, error) {
	var (
		cipher *security.AESCipher
		signer *security.HMACSigner
		err    error
	)
	if opts.Crypto {
		if cipher, err = security.NewAESCipherFromSecret(opts.Secret); err != nil {
			return nil, fmt.Errorf("failed to build cipher: %w", err)
		}
	}
	if opts.Sign {
		if signer, err = security.NewHMACSigner(opts.Secret); err != nil {
			return nil, fmt.Errorf("failed to build signer: %w", err)
		}
	}
	if opts.Proxy != nil {
		if strings.ContainsRune(opts.Proxy.Target, ProxySeparator) ||
			strings.ContainsRune(opts.Proxy.Source, ProxySeparator) {
			return nil, ErrInvalidProxyContext
		}
	}

	return &Pipeline{
		encode: []stage{
			{name: "base", enabled: true, apply: baseEncode},
			{name: "sign", enabled: signer != nil, apply: signEncode(signer)},
			{name: "encrypt", enabled: cipher != nil, apply: encryptEncode(cipher)},
			{name: "proxy", enabled: opts.Proxy != nil, apply: proxyEncode(opts.Proxy)},
		},
		decode: []stage{
			{name: "decrypt", enabled: cipher != nil, apply: decryptDecode(cipher)},
			{name: "verify", enabled: signer != nil, apply: verifyDecode(signer)},
			{name: "base", enabled: true, apply: baseDecode},
		},
	}, nil
}

// Encode transforms a payload into wire bytes
func (p *Pipeline) Encode(payload []byte) ([]byte, error) {
	return run(p.encode, payload)
}

// Decode reverses the cipher and signature stages of Encode. Proxy framing
// must already have been stripped with SplitProxy.
func (p *Pipeline) Decode(data []byte) ([]byte, error) {
	return run(p.decode, data)
}

func run(stages []stage, data []byte) ([]byte, error) {
	var err error
	for _, s := range stages {
		if !s.enabled {
			continue
		}
		if data, err = s.apply(data); err != nil {
			return nil, fmt.Errorf("%s stage: %w", s.name, err)
		}
	}
	return data, nil
}

func baseEncode(data []byte) ([]byte, error) {
	out := make([]byte, base64.StdEncoding.EncodedLen(len(data)))
	base64.StdEncoding.Encode(out, data)
	return out, nil
}

func baseDecode(data []byte) ([]byte, error) {
	out := make([]byte, base64.StdEncoding.DecodedLen(len(data)))
	n, err := base64.StdEncoding.Decode(out, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	return out[:n], nil
}

func signEncode(signer security.Signer) transform {
	return func(data []byte) ([]byte, error) {
		digest := signer.Sign(data)
		out := make([]byte, 0, len(data)+1+hex.EncodedLen(len(digest)))
		out = append(out, data...)
		out = append(out, signSeparator)
		return hex.AppendEncode(out, digest), nil
	}
}

func verifyDecode(signer security.Signer) transform {
	return func(data []byte) ([]byte, error) {
		i := bytes.LastIndexByte(data, signSeparator)
		if i < 0 {
			return nil, fmt.Errorf("%w: missing signature", ErrIntegrity)
		}
		digest, err := hex.DecodeString(string(data[i+1:]))
		if err != nil {
			return nil, fmt.Errorf("%w: bad signature encoding", ErrIntegrity)
		}
		if !signer.Verify(data[:i], digest) {
			return nil, fmt.Errorf("%w: signature mismatch", ErrIntegrity)
		}
		return data[:i], nil
	}
}

func encryptEncode(cipher security.Cipher) transform {
	return func(data []byte) ([]byte, error) {
		sealed, err := cipher.Encrypt(data)
		if err != nil {
			return nil, err
		}
		return baseEncode(sealed)
	}
}

func decryptDecode(cipher security.Cipher) transform {
	return func(data []byte) ([]byte, error) {
		sealed, err := baseDecode(data)
		if err != nil {
			return nil, err
		}
		plain, err := cipher.Decrypt(sealed)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIntegrity, err)
		}
		return plain, nil
	}
}

func proxyEncode(ctx *ProxyContext) transform {
	return func(data []byte) ([]byte, error) {
		out := make([]byte, 0, len(ctx.Target)+len(ctx.Source)+2+len(data))
		out = append(out, ctx.Target...)
		out = append(out, ProxySeparator)
		out = append(out, ctx.Source...)
		out = append(out, ProxySeparator)
		return append(out, data...), nil
	}
}

// SplitProxy strips proxy framing, returning target, source and the inner message
func SplitProxy(frame []byte) (target, source string, inner []byte, err error) {
	parts := bytes.SplitN(frame, []byte{ProxySeparator}, 3)
	if len(parts) != 3 {
		return "", "", nil, ErrMalformedProxyFrame
	}
	return string(parts[0]), string(parts[1]), parts[2], nil
}

// ValidateDelimiter checks that delim can never occur inside encoded output
func ValidateDelimiter(delim []byte) error {
	for _, b := range delim {
		if strings.IndexByte(encodedAlphabet, b) < 0 {
			return nil
		}
	}
	return ErrUnsafeDelimiter
}
