package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodePermissive(t *testing.T) {
	assert.Equal(t, "ise#", DecodePermissive([]byte("ise#")))
	// 截断的多字节字符被替换而不是报错
	got := DecodePermissive([]byte{0xe4, 0xb8, 'i', 's', 'e', '#'})
	assert.Contains(t, got, "�")
	assert.Contains(t, got, "ise#")
}

func TestEnsureUTF8Bytes(t *testing.T) {
	assert.Equal(t, "", EnsureUTF8Bytes(nil))
	assert.Equal(t, "plain", EnsureUTF8Bytes([]byte("plain")))
	// Latin-1 é
	assert.Equal(t, "café", EnsureUTF8Bytes([]byte{'c', 'a', 'f', 0xe9}))
}
