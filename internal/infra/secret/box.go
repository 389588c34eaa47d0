// Package secret は XChaCha20-Poly1305 による資格情報の暗号化を提供する
package secret

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/jinford/linkforge/internal/core/credential"
)

// KeySize は鍵長（バイト）
const KeySize = chacha20poly1305.KeySize

// version は暗号文の先頭に付与され、AAD としても認証される
const version byte = 0x01

// ErrInvalidCiphertext は暗号文の形式が不正、または認証に失敗した場合のエラー
var ErrInvalidCiphertext = errors.New("invalid ciphertext")

var _ credential.Sealer = (*Box)(nil)

// Box は credential.Sealer の実装。
// 暗号文は base64(version || nonce || ciphertext+tag) の文字列で表現する。
type Box struct {
	key []byte
}

// NewBox は 32 バイトの鍵から Box を作成する
func NewBox(key []byte) (*Box, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("secret key must be %d bytes, got %d", KeySize, len(key))
	}
	k := make([]byte, KeySize)
	copy(k, key)
	return &Box{key: k}, nil
}

// NewBoxFromHex は 16 進文字列の鍵から Box を作成する
func NewBoxFromHex(s string) (*Box, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode secret key: %w", err)
	}
	return NewBox(key)
}

// GenerateKey はランダムな鍵を 16 進文字列で返す
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return hex.EncodeToString(key), nil
}

// Seal は平文を暗号化する。空文字列はそのまま返す。
func (b *Box) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 1+len(nonce), 1+len(nonce)+len(plaintext)+aead.Overhead())
	out[0] = version
	copy(out[1:], nonce[:])
	out = aead.Seal(out, nonce[:], []byte(plaintext), []byte{version})
	return base64.StdEncoding.EncodeToString(out), nil
}

// Open は Seal の出力を復号する
func (b *Box) Open(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	if len(raw) < 1+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return "", fmt.Errorf("%w: too short", ErrInvalidCiphertext)
	}
	if raw[0] != version {
		return "", fmt.Errorf("%w: unsupported version %d", ErrInvalidCiphertext, raw[0])
	}

	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	nonce := raw[1 : 1+chacha20poly1305.NonceSizeX]
	plain, err := aead.Open(nil, nonce, raw[1+chacha20poly1305.NonceSizeX:], raw[:1])
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	return string(plain), nil
}
