package secu

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDealWithEncryptDecrypt(t *testing.T) {
	key := "0123456789abcdef"

	enc, err := DealWithEncrypt("root:secret@tcp(127.0.0.1:3306)/alarm", key)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(enc, CipherPrefix))

	dec, err := DealWithDecrypt(enc, key)
	require.NoError(t, err)
	assert.Equal(t, "root:secret@tcp(127.0.0.1:3306)/alarm", dec)

	plain, err := DealWithDecrypt("not-encrypted", key)
	require.NoError(t, err)
	assert.Equal(t, "not-encrypted", plain)

	_, err = DealWithDecrypt(CipherPrefix+"!!!", key)
	assert.Error(t, err)

	_, err = DealWithEncrypt("x", "short")
	assert.Error(t, err)
}
