package wallet

import (
	"testing"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signMessage(t *testing.T, message string) (address, signature string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), key)
	require.NoError(t, err)
	// Present V the way wallets do.
	sig[crypto.RecoveryIDOffset] += 27

	return crypto.PubkeyToAddress(key.PublicKey).Hex(), hexutil.Encode(sig)
}

func TestVerifyRoundTrip(t *testing.T) {
	addr, sig := signMessage(t, "corral registration")

	v := NewVerifier(false)
	assert.NoError(t, v.Verify("corral registration", sig, addr))
}

func TestVerifyRejectsWrongSigner(t *testing.T) {
	_, sig := signMessage(t, "corral registration")
	other, _ := signMessage(t, "corral registration")

	v := NewVerifier(false)
	assert.Error(t, v.Verify("corral registration", sig, other))
}

func TestVerifyRejectsTamperedMessage(t *testing.T) {
	addr, sig := signMessage(t, "corral registration")

	v := NewVerifier(false)
	assert.Error(t, v.Verify("corral registration!", sig, addr))
}

func TestVerifyAddressCaseInsensitive(t *testing.T) {
	addr, sig := signMessage(t, "hello")

	v := NewVerifier(false)
	assert.NoError(t, v.Verify("hello", sig, "0x"+addr[2:]))
}

func TestMockSignatures(t *testing.T) {
	addr := "0x1111111111111111111111111111111111111111"

	dev := NewVerifier(true)
	assert.NoError(t, dev.Verify("anything", MockSignaturePrefix+addr, addr))
	assert.Error(t, dev.Verify("anything", MockSignaturePrefix+"0x2222222222222222222222222222222222222222", addr))

	prod := NewVerifier(false)
	assert.Error(t, prod.Verify("anything", MockSignaturePrefix+addr, addr),
		"mock signatures must be rejected outside development mode")
}

func TestMalformedSignature(t *testing.T) {
	v := NewVerifier(false)
	assert.Error(t, v.Verify("msg", "not-hex", "0x1111111111111111111111111111111111111111"))
	assert.Error(t, v.Verify("msg", "0xdead", "0x1111111111111111111111111111111111111111"))
}

func TestNodeIDIsStable(t *testing.T) {
	a := NodeID("machine-1", "0xABCDEF1234567890abcdef1234567890ABCDEF12")
	b := NodeID("machine-1", "0xabcdef1234567890abcdef1234567890abcdef12")
	c := NodeID("machine-2", "0xabcdef1234567890abcdef1234567890abcdef12")

	assert.Equal(t, a, b, "wallet case must not change identity")
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestIsValidAddress(t *testing.T) {
	assert.True(t, IsValidAddress("0x1111111111111111111111111111111111111111"))
	assert.False(t, IsValidAddress("1111"))
}
