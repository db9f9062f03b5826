package envelope

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0123456789abcdef0123456789abcdef"

func newTestCipher(t testing.TB) *Cipher {
	c, err := New([]byte(testKey), 30*time.Second)
	require.NoError(t, err)
	return c
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()
	cases := []string{
		"",
		"a",
		"127.0.0.1",
		"[CMD] PING",
		"[CMD] setTemperature=30.0\r\n",
		strings.Repeat("x", BlockSize-1),
		strings.Repeat("x", BlockSize),
		strings.Repeat("x", BlockSize+1),
		strings.Repeat("Grüezi ", 100),
	}
	for _, c := range cases {
		c := c
		t.Run(fmt.Sprintf("len=%d", len(c)), func(t *testing.T) {
			t.Parallel()
			ci := newTestCipher(t)
			env, err := ci.Encrypt([]byte(c))
			require.NoError(t, err)
			raw, err := base64.StdEncoding.DecodeString(string(env))
			require.NoError(t, err)
			assert.Equal(t, 0, len(raw)%BlockSize)
			assert.True(t, len(raw) > len(c)+BlockSize)

			plain, err := ci.Decrypt(env)
			require.NoError(t, err)
			assert.Equal(t, c, string(plain))
		})
	}
}

func TestFullBlockGetsPadBlock(t *testing.T) {
	t.Parallel()
	padded := pad([]byte(strings.Repeat("x", BlockSize)), BlockSize)
	require.Len(t, padded, 2*BlockSize)
	assert.Equal(t, bytes.Repeat([]byte{BlockSize}, BlockSize), padded[BlockSize:])

	padded = pad([]byte("abc"), BlockSize)
	require.Len(t, padded, BlockSize)
	assert.Equal(t, bytes.Repeat([]byte{13}, 13), padded[3:])
}

func TestReplayDetected(t *testing.T) {
	t.Parallel()
	c := newTestCipher(t)
	env, err := c.Encrypt([]byte("[CMD] IR ON"))
	require.NoError(t, err)
	_, err = c.Decrypt(env)
	require.NoError(t, err)

	_, err = c.Decrypt(env)
	require.Error(t, err)
	assert.Equal(t, ErrReplayDetected, errors.Cause(err))
	assert.Equal(t, 1, c.CacheLen())
}

func TestConcurrentReplayOnlyOneWins(t *testing.T) {
	t.Parallel()
	c := newTestCipher(t)
	env, err := c.Encrypt([]byte("[CMD] IR OFF"))
	require.NoError(t, err)

	const n = 16
	var wg sync.WaitGroup
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Decrypt(env)
			results <- err
		}()
	}
	wg.Wait()
	close(results)
	ok, replay := 0, 0
	for err := range results {
		switch errors.Cause(err) {
		case nil:
			ok++
		case ErrReplayDetected:
			replay++
		default:
			t.Errorf("unexpected err=%v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, replay)
}

func TestExpiredTimestamp(t *testing.T) {
	t.Parallel()
	now := time.Now()
	cases := []struct {
		name   string
		at     time.Time
		expect error
	}{
		{"past", now.Add(-31 * time.Second), ErrExpiredTimestamp},
		{"future", now.Add(31 * time.Second), ErrExpiredTimestamp},
		{"far-past", time.Unix(0, 0), ErrExpiredTimestamp},
		{"skew-ok", now.Add(-20 * time.Second), nil},
		{"skew-future-ok", now.Add(20 * time.Second), nil},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			ci := newTestCipher(t)
			env, err := ci.EncryptAt(c.at, []byte("hello"))
			require.NoError(t, err)
			_, err = ci.DecryptAt(now, env)
			assert.Equal(t, c.expect, errors.Cause(err))
			if c.expect != nil {
				// rejected envelope must not pollute replay cache
				assert.Equal(t, 0, ci.CacheLen())
			}
		})
	}
}

func TestSameInstantDifferentEnvelopes(t *testing.T) {
	t.Parallel()
	c := newTestCipher(t)
	now := time.Now()
	seen := make(map[string]struct{})
	for i := 0; i < 64; i++ {
		env, err := c.EncryptAt(now, []byte("127.0.0.1"))
		require.NoError(t, err)
		_, dup := seen[string(env)]
		require.False(t, dup, "identical envelope at i=%d", i)
		seen[string(env)] = struct{}{}
	}
}

func TestPruneExpired(t *testing.T) {
	t.Parallel()
	c := newTestCipher(t)
	t0 := time.Now()
	for i := 0; i < 5; i++ {
		env, err := c.EncryptAt(t0, []byte("x"))
		require.NoError(t, err)
		_, err = c.DecryptAt(t0, env)
		require.NoError(t, err)
	}
	assert.Equal(t, 5, c.CacheLen())

	t1 := t0.Add(25 * time.Second)
	env, err := c.EncryptAt(t1, []byte("y"))
	require.NoError(t, err)
	_, err = c.DecryptAt(t0.Add(31*time.Second), env)
	require.NoError(t, err)
	assert.Equal(t, 1, c.CacheLen())
}

func TestMalformedEnvelope(t *testing.T) {
	t.Parallel()
	c := newTestCipher(t)
	good, err := c.Encrypt([]byte("hello"))
	require.NoError(t, err)
	raw, err := base64.StdEncoding.DecodeString(string(good))
	require.NoError(t, err)

	short := base64.StdEncoding.EncodeToString(raw[:BlockSize])
	unaligned := base64.StdEncoding.EncodeToString(raw[:len(raw)-1])

	cases := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"not-base64", "!!!not base64!!!"},
		{"header-only", short},
		{"unaligned", unaligned},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.Decrypt([]byte(tc.input))
			require.Error(t, err)
			assert.Equal(t, ErrMalformedEnvelope, errors.Cause(err))
		})
	}
}

func TestUnpadRejectsInconsistentPad(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		b    []byte
		ok   bool
	}{
		{"valid-1", append(bytes.Repeat([]byte{'a'}, 15), 1), true},
		{"valid-full", bytes.Repeat([]byte{16}, 16), true},
		{"zero", append(bytes.Repeat([]byte{'a'}, 15), 0), false},
		{"too-large", append(bytes.Repeat([]byte{'a'}, 15), 17), false},
		{"mismatch", append(bytes.Repeat([]byte{'a'}, 13), 9, 3, 3), false},
		{"empty", nil, false},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			_, ok := unpad(c.b, BlockSize)
			assert.Equal(t, c.ok, ok)
		})
	}
}

func TestWireLayout(t *testing.T) {
	t.Parallel()
	now := time.Now()
	iv := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	plain := []byte("[CMD] GET IR STATE")

	// build envelope independently with stdlib primitives
	raw := make([]byte, BlockSize)
	binary.LittleEndian.PutUint64(raw, uint64(now.Unix()))
	copy(raw[TimestampSize:], iv)
	body := pad(append([]byte(nil), plain...), BlockSize)
	block, err := aes.NewCipher([]byte(testKey))
	require.NoError(t, err)
	cipher.NewCBCEncrypter(block, raw[:BlockSize]).CryptBlocks(body, body)
	env := base64.StdEncoding.EncodeToString(append(raw, body...))

	c := newTestCipher(t)
	got, err := c.DecryptAt(now, []byte(env))
	require.NoError(t, err)
	assert.Equal(t, plain, got)

	c.rand = bytes.NewReader(iv)
	mine, err := c.EncryptAt(now, plain)
	require.NoError(t, err)
	assert.Equal(t, env, string(mine))
}

func TestKeySize(t *testing.T) {
	t.Parallel()
	for _, n := range []int{0, 8, 15, 17, 33} {
		_, err := New(bytes.Repeat([]byte{'k'}, n), time.Second)
		assert.Error(t, err, "n=%d", n)
	}
	for _, n := range []int{16, 24, 32} {
		c, err := New(bytes.Repeat([]byte{'k'}, n), 0)
		require.NoError(t, err, "n=%d", n)
		assert.Equal(t, DefaultWindow, c.Window())
	}
}
