package secu

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"errors"
	"strings"
)

// CipherPrefix marks an encrypted config value.
const CipherPrefix = "{{cipher}}"

var ErrBadPadding = errors.New("invalid pkcs7 padding")

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(padding)}, padding)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	n := len(data)
	if n == 0 || n%blockSize != 0 {
		return nil, ErrBadPadding
	}
	padding := int(data[n-1])
	if padding == 0 || padding > blockSize || padding > n {
		return nil, ErrBadPadding
	}
	return data[:n-padding], nil
}

// AesEncrypt is AES-CBC with the key prefix as iv, the key must be 16, 24 or 32 bytes.
func AesEncrypt(plain, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	bs := block.BlockSize()
	padded := pkcs7Pad(plain, bs)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, key[:bs]).CryptBlocks(out, padded)
	return out, nil
}

func AesDecrypt(crypted, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	bs := block.BlockSize()
	if len(crypted) == 0 || len(crypted)%bs != 0 {
		return nil, ErrBadPadding
	}
	out := make([]byte, len(crypted))
	cipher.NewCBCDecrypter(block, key[:bs]).CryptBlocks(out, crypted)
	return pkcs7Unpad(out, bs)
}

// DealWithDecrypt returns src unchanged unless it carries CipherPrefix.
func DealWithDecrypt(src string, key string) (string, error) {
	if !strings.HasPrefix(src, CipherPrefix) {
		return src, nil
	}
	data, err := base64.StdEncoding.DecodeString(src[len(CipherPrefix):])
	if err != nil {
		return src, err
	}
	plain, err := AesDecrypt(data, []byte(key))
	if err != nil {
		return src, err
	}
	return string(plain), nil
}

func DealWithEncrypt(src string, key string) (string, error) {
	crypted, err := AesEncrypt([]byte(src), []byte(key))
	if err != nil {
		return src, err
	}
	return CipherPrefix + base64.StdEncoding.EncodeToString(crypted), nil
}
