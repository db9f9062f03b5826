// Package envelope implements the shared-key message cipher of the control channel.
//
// Wire format of one envelope, base64 (standard alphabet) encoded:
//
//	timestamp(8, little-endian unix seconds) || iv(8, random) || AES-CBC ciphertext
//
// CBC initialization vector is timestamp||iv. Key is used as AES key directly,
// so it must be 16, 24 or 32 bytes. Decrypt rejects envelopes with timestamp
// outside of [now-window, now+window] and any (timestamp, iv) seen within window.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/juju/errors"
)

const (
	BlockSize     = aes.BlockSize
	TimestampSize = 8
	NonceSize     = BlockSize - TimestampSize
	DefaultWindow = 30 * time.Second
)

var (
	ErrExpiredTimestamp  = fmt.Errorf("expired timestamp")
	ErrReplayDetected    = fmt.Errorf("replay detected")
	ErrMalformedEnvelope = fmt.Errorf("malformed envelope")
)

var b64 = base64.StdEncoding

type nonce struct {
	timestamp uint64
	iv        [NonceSize]byte
}

// Cipher is safe for concurrent use.
type Cipher struct {
	block  cipher.Block
	window time.Duration
	rand   io.Reader

	mu   sync.Mutex
	seen map[nonce]struct{}
}

func New(key []byte, window time.Duration) (*Cipher, error) {
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, errors.NotValidf("key length=%d (need 16, 24 or 32 bytes)", len(key))
	}
	if window <= 0 {
		window = DefaultWindow
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Annotate(err, "aes")
	}
	c := &Cipher{
		block:  block,
		window: window,
		rand:   rand.Reader,
		seen:   make(map[nonce]struct{}),
	}
	return c, nil
}

func (c *Cipher) Window() time.Duration { return c.window }

func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	return c.EncryptAt(time.Now(), plaintext)
}

func (c *Cipher) EncryptAt(now time.Time, plaintext []byte) ([]byte, error) {
	raw := make([]byte, BlockSize, BlockSize+len(plaintext)+BlockSize)
	binary.LittleEndian.PutUint64(raw[:TimestampSize], uint64(now.Unix()))
	if _, err := io.ReadFull(c.rand, raw[TimestampSize:BlockSize]); err != nil {
		return nil, errors.Annotate(err, "random iv")
	}
	raw = append(raw, plaintext...)
	raw = pad(raw, BlockSize)
	body := raw[BlockSize:]
	cipher.NewCBCEncrypter(c.block, raw[:BlockSize]).CryptBlocks(body, body)

	out := make([]byte, b64.EncodedLen(len(raw)))
	b64.Encode(out, raw)
	return out, nil
}

func (c *Cipher) Decrypt(envelope []byte) ([]byte, error) {
	return c.DecryptAt(time.Now(), envelope)
}

func (c *Cipher) DecryptAt(now time.Time, envelope []byte) ([]byte, error) {
	raw := make([]byte, b64.DecodedLen(len(envelope)))
	n, err := b64.Decode(raw, envelope)
	if err != nil {
		return nil, errors.Annotatef(ErrMalformedEnvelope, "base64 %v", err)
	}
	raw = raw[:n]
	if len(raw) < 2*BlockSize || len(raw)%BlockSize != 0 {
		return nil, errors.Annotatef(ErrMalformedEnvelope, "length=%d", len(raw))
	}

	var key nonce
	key.timestamp = binary.LittleEndian.Uint64(raw[:TimestampSize])
	copy(key.iv[:], raw[TimestampSize:BlockSize])
	if !c.inWindow(now, key.timestamp) {
		return nil, errors.Annotatef(ErrExpiredTimestamp, "timestamp=%d now=%d", key.timestamp, now.Unix())
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.prune(now)
	if _, found := c.seen[key]; found {
		return nil, errors.Annotatef(ErrReplayDetected, "timestamp=%d", key.timestamp)
	}

	body := make([]byte, len(raw)-BlockSize)
	cipher.NewCBCDecrypter(c.block, raw[:BlockSize]).CryptBlocks(body, raw[BlockSize:])
	plain, ok := unpad(body, BlockSize)
	if !ok {
		return nil, errors.Annotate(ErrMalformedEnvelope, "padding")
	}
	c.seen[key] = struct{}{}
	return plain, nil
}

// CacheLen returns number of remembered nonces.
func (c *Cipher) CacheLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *Cipher) inWindow(now time.Time, timestamp uint64) bool {
	if timestamp > uint64(1<<62) {
		return false
	}
	t := time.Unix(int64(timestamp), 0)
	return !t.Before(now.Add(-c.window)) && !t.After(now.Add(c.window))
}

// must be called with lock
func (c *Cipher) prune(now time.Time) {
	cutoff := now.Add(-c.window)
	for k := range c.seen {
		if time.Unix(int64(k.timestamp), 0).Before(cutoff) {
			delete(c.seen, k)
		}
	}
}

// pad appends n bytes of value n, 1 <= n <= size.
func pad(b []byte, size int) []byte {
	n := size - len(b)%size
	for i := 0; i < n; i++ {
		b = append(b, byte(n))
	}
	return b
}

// unpad checks every pad byte in constant time with respect to pad content.
func unpad(b []byte, size int) ([]byte, bool) {
	n := len(b)
	if n == 0 || n%size != 0 {
		return nil, false
	}
	padLen := int(b[n-1])
	good := subtle.ConstantTimeLessOrEq(1, padLen) & subtle.ConstantTimeLessOrEq(padLen, size)
	for i := 1; i <= size; i++ {
		inPad := subtle.ConstantTimeLessOrEq(i, padLen)
		eq := subtle.ConstantTimeByteEq(b[n-i], byte(padLen))
		good &= (inPad ^ 1) | eq
	}
	if good != 1 {
		return nil, false
	}
	return b[:n-padLen], true
}
