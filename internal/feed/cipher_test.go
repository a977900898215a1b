package feed

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testAESKey = "0123456789abcdef0123456789abcdef"
	testAESIV  = "fedcba9876543210"
)

func encryptCBC(t *testing.T, key, iv, plain string) string {
	t.Helper()
	block, err := aes.NewCipher([]byte(key))
	require.NoError(t, err)

	n := aes.BlockSize - len(plain)%aes.BlockSize
	padded := append([]byte(plain), bytes.Repeat([]byte{byte(n)}, n)...)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, []byte(iv)).CryptBlocks(out, padded)
	return base64.StdEncoding.EncodeToString(out)
}

func TestAESPayloadsRoundTrip(t *testing.T) {
	a := NewAESPayloads()
	require.NoError(t, a.SetKey(DomesticTick, testAESKey, testAESIV))

	plain := strings.Join(domesticTickFields(), fieldSep)
	got, err := a.Payload(DomesticTick, true, encryptCBC(t, testAESKey, testAESIV, plain))
	require.NoError(t, err)
	assert.Equal(t, plain, got)
}

func TestAESPayloadsPassesPlaintext(t *testing.T) {
	got, err := NewAESPayloads().Payload(DomesticTick, false, "a^b")
	require.NoError(t, err)
	assert.Equal(t, "a^b", got)
}

func TestAESPayloadsWithoutKey(t *testing.T) {
	_, err := NewAESPayloads().Payload(DomesticQuote, true, "AAAA")
	assert.ErrorIs(t, err, errEncryptedFrame)
}

func TestAESPayloadsRejectsBadInput(t *testing.T) {
	a := NewAESPayloads()
	assert.Error(t, a.SetKey(DomesticTick, "short", testAESIV))
	assert.Error(t, a.SetKey(DomesticTick, testAESKey, "short"))

	require.NoError(t, a.SetKey(DomesticTick, testAESKey, testAESIV))
	_, err := a.Payload(DomesticTick, true, "!!not base64!!")
	assert.Error(t, err)

	_, err = a.Payload(DomesticTick, true, base64.StdEncoding.EncodeToString([]byte("odd length")))
	assert.Error(t, err)

	wrongIV := encryptCBC(t, testAESKey, "0000000000000000", "x")
	_, err = a.Payload(DomesticTick, true, wrongIV)
	assert.Error(t, err)
}

func TestDecoderWithAESStrategy(t *testing.T) {
	a := NewAESPayloads()
	require.NoError(t, a.SetKey(DomesticTick, testAESKey, testAESIV))
	d := NewDecoder(StaticRate(1350), a)

	payload := encryptCBC(t, testAESKey, testAESIV, strings.Join(domesticTickFields(), fieldSep))
	res := d.Decode("1|H0STCNT0|001|" + payload)
	require.Equal(t, StatusDecoded, res.Status, res.Err)
	assert.EqualValues(t, 71200, res.Event.Tick.Last)

	res = d.Decode("1|H0STCNT0|001|***")
	assert.Equal(t, StatusInvalid, res.Status)
}
