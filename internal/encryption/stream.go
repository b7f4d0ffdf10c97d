package encryption

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
)

var (
	ErrInvalidPadding = errors.New("encryption: invalid padding")
	ErrFinalized      = errors.New("encryption: stream already finalized")
)

// Encrypter is an incremental AES-CFB encrypter with PKCS#5 padding.
// Update emits ciphertext immediately; Final emits the encrypted padding.
type Encrypter struct {
	stream cipher.Stream
	n      int
	done   bool
}

// NewEncrypter starts an encrypting stream for key and iv.
func NewEncrypter(key, iv []byte) (*Encrypter, error) {
	block, err := newBlock(key, iv)
	if err != nil {
		return nil, err
	}
	return &Encrypter{stream: cipher.NewCFBEncrypter(block, iv)}, nil
}

// Update encrypts p and returns the ciphertext produced so far.
func (e *Encrypter) Update(p []byte) ([]byte, error) {
	if e.done {
		return nil, ErrFinalized
	}
	out := make([]byte, len(p))
	e.stream.XORKeyStream(out, p)
	e.n += len(p)
	return out, nil
}

// Final pads the stream to a block boundary and returns the last ciphertext
// bytes. An empty stream still produces one full padding block.
func (e *Encrypter) Final() ([]byte, error) {
	if e.done {
		return nil, ErrFinalized
	}
	e.done = true
	pad := aes.BlockSize - e.n%aes.BlockSize
	out := make([]byte, pad)
	e.stream.XORKeyStream(out, bytes.Repeat([]byte{byte(pad)}, pad))
	e.n += pad
	return out, nil
}

// Decrypter is the inverse of Encrypter. It holds back the last block of
// plaintext until Final so that the padding can be verified and stripped.
type Decrypter struct {
	stream cipher.Stream
	held   []byte
	n      int
	done   bool
}

// NewDecrypter starts a decrypting stream for key and iv.
func NewDecrypter(key, iv []byte) (*Decrypter, error) {
	block, err := newBlock(key, iv)
	if err != nil {
		return nil, err
	}
	return &Decrypter{stream: cipher.NewCFBDecrypter(block, iv)}, nil
}

// Update decrypts p and returns whatever plaintext is known not to be padding.
// The result may be empty even when p is not.
func (d *Decrypter) Update(p []byte) ([]byte, error) {
	if d.done {
		return nil, ErrFinalized
	}
	plain := make([]byte, len(p))
	d.stream.XORKeyStream(plain, p)
	d.n += len(p)
	d.held = append(d.held, plain...)

	if len(d.held) <= aes.BlockSize {
		return nil, nil
	}
	cut := len(d.held) - aes.BlockSize
	out := make([]byte, cut)
	copy(out, d.held[:cut])
	d.held = append(d.held[:0], d.held[cut:]...)
	return out, nil
}

// Final verifies the padding and returns the remaining plaintext.
func (d *Decrypter) Final() ([]byte, error) {
	if d.done {
		return nil, ErrFinalized
	}
	d.done = true
	if d.n == 0 || d.n%aes.BlockSize != 0 || len(d.held) != aes.BlockSize {
		return nil, fmt.Errorf("%w: ciphertext length %d", ErrInvalidPadding, d.n)
	}
	pad := int(d.held[aes.BlockSize-1])
	if pad < 1 || pad > aes.BlockSize {
		return nil, fmt.Errorf("%w: pad value %d", ErrInvalidPadding, pad)
	}
	for _, b := range d.held[aes.BlockSize-pad:] {
		if int(b) != pad {
			return nil, ErrInvalidPadding
		}
	}
	out := make([]byte, aes.BlockSize-pad)
	copy(out, d.held)
	d.held = nil
	return out, nil
}

// Encrypt encrypts plaintext in one shot.
func Encrypt(plaintext, key, iv []byte) ([]byte, error) {
	enc, err := NewEncrypter(key, iv)
	if err != nil {
		return nil, err
	}
	body, err := enc.Update(plaintext)
	if err != nil {
		return nil, err
	}
	tail, err := enc.Final()
	if err != nil {
		return nil, err
	}
	return join(body, tail), nil
}

// Decrypt decrypts ciphertext produced by Encrypt (or a finalized Encrypter).
func Decrypt(ciphertext, key, iv []byte) ([]byte, error) {
	dec, err := NewDecrypter(key, iv)
	if err != nil {
		return nil, err
	}
	body, err := dec.Update(ciphertext)
	if err != nil {
		return nil, err
	}
	tail, err := dec.Final()
	if err != nil {
		return nil, err
	}
	return join(body, tail), nil
}

// join never returns nil, so an empty record stays distinguishable from a
// missing one.
func join(a, b []byte) []byte {
	out := make([]byte, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}

func newBlock(key, iv []byte) (cipher.Block, error) {
	if len(key) != KeyLength {
		return nil, fmt.Errorf("encryption: invalid key length %d", len(key))
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("encryption: invalid iv length %d", len(iv))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	return block, nil
}
