// Package snapshot encodes runtime state for durable storage: CBOR,
// zstd-compressed, optionally sealed with AES-256-GCM.
package snapshot

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/argon2"
)

const (
	formatVersion byte = 1

	flagPlain  byte = 0
	flagSealed byte = 1
)

var (
	// ErrCorrupt is returned for data that cannot be decoded.
	ErrCorrupt = errors.New("snapshot corrupt")
	// ErrSealed is returned when sealed data is read without a passphrase.
	ErrSealed = errors.New("snapshot sealed: passphrase required")
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	// Stateless EncodeAll/DecodeAll are safe for concurrent use.
	zenc *zstd.Encoder
	zdec *zstd.Decoder
)

func init() {
	var err error

	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	encMode, err = opts.EncMode()
	if err != nil {
		panic("snapshot: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("snapshot: CBOR decoder initialization failed: " + err.Error())
	}

	zenc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("snapshot: zstd encoder initialization failed: " + err.Error())
	}
	zdec, err = zstd.NewReader(nil)
	if err != nil {
		panic("snapshot: zstd decoder initialization failed: " + err.Error())
	}
}

// Codec turns values into snapshot bytes and back. The zero value writes
// unsealed snapshots.
type Codec struct {
	aead cipher.AEAD
}

// New returns a Codec. A non-empty passphrase seals every snapshot with an
// AES-256 key derived via Argon2id; the salt is derived from the
// passphrase so the key is stable across restarts.
func New(passphrase string) (*Codec, error) {
	if passphrase == "" {
		return &Codec{}, nil
	}
	salt := sha256.Sum256([]byte(passphrase))
	key := argon2.IDKey([]byte(passphrase), salt[:16], 1, 64*1024, 4, 32)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return &Codec{aead: gcm}, nil
}

// Sealed reports whether snapshots written by c are encrypted.
func (c *Codec) Sealed() bool {
	return c.aead != nil
}

// Marshal encodes v. The layout is version, flag, then payload; sealed
// payloads are nonce followed by ciphertext.
func (c *Codec) Marshal(v any) ([]byte, error) {
	raw, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	payload := zenc.EncodeAll(raw, nil)

	if c.aead == nil {
		return append([]byte{formatVersion, flagPlain}, payload...), nil
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	header := []byte{formatVersion, flagSealed}
	out := make([]byte, 0, len(header)+len(nonce)+len(payload)+c.aead.Overhead())
	out = append(out, header...)
	out = append(out, nonce...)
	return c.aead.Seal(out, nonce, payload, header), nil
}

// Unmarshal decodes data produced by Marshal into v.
func (c *Codec) Unmarshal(data []byte, v any) error {
	if len(data) < 2 {
		return fmt.Errorf("%w: short header", ErrCorrupt)
	}
	if data[0] != formatVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrCorrupt, data[0])
	}

	var payload []byte
	switch data[1] {
	case flagPlain:
		payload = data[2:]
	case flagSealed:
		if c.aead == nil {
			return ErrSealed
		}
		ns := c.aead.NonceSize()
		if len(data) < 2+ns {
			return fmt.Errorf("%w: short nonce", ErrCorrupt)
		}
		nonce := data[2 : 2+ns]
		plain, err := c.aead.Open(nil, nonce, data[2+ns:], data[:2])
		if err != nil {
			return fmt.Errorf("%w: decrypt: %v", ErrCorrupt, err)
		}
		payload = plain
	default:
		return fmt.Errorf("%w: unknown flag %d", ErrCorrupt, data[1])
	}

	raw, err := zdec.DecodeAll(payload, nil)
	if err != nil {
		return fmt.Errorf("%w: decompress: %v", ErrCorrupt, err)
	}
	if err := decMode.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrCorrupt, err)
	}
	return nil
}
