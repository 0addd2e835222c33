package wallet

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// MockSignaturePrefix marks a development-mode signature. The remainder
// of the string is the claimed wallet address.
const MockSignaturePrefix = "mock:"

// Verifier checks wallet signatures over arbitrary messages. In
// development mode mock signatures are accepted so agents can run
// without a real wallet.
type Verifier struct {
	devMode bool
}

// NewVerifier creates a signature verifier
func NewVerifier(devMode bool) *Verifier {
	return &Verifier{devMode: devMode}
}

// RecoverAddress recovers the signing address from a personal-sign
// (EIP-191) signature over message.
func RecoverAddress(message, signature string) (string, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return "", fmt.Errorf("malformed signature: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return "", fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}
	// Wallets emit V as 27/28; secp256k1 recovery wants 0/1.
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return "", fmt.Errorf("signature recovery failed: %w", err)
	}
	return crypto.PubkeyToAddress(*pub).Hex(), nil
}

// Verify checks that signature over message was produced by
// expectedAddress.
func (v *Verifier) Verify(message, signature, expectedAddress string) error {
	if strings.HasPrefix(signature, MockSignaturePrefix) {
		if !v.devMode {
			return fmt.Errorf("mock signature rejected outside development mode")
		}
		claimed := strings.TrimPrefix(signature, MockSignaturePrefix)
		if !strings.EqualFold(claimed, expectedAddress) {
			return fmt.Errorf("mock signature address mismatch")
		}
		return nil
	}

	recovered, err := RecoverAddress(message, signature)
	if err != nil {
		return err
	}
	if !strings.EqualFold(recovered, expectedAddress) {
		return fmt.Errorf("signature recovered %s, expected %s", recovered, expectedAddress)
	}
	return nil
}

// IsValidAddress reports whether s looks like an Ethereum address.
func IsValidAddress(s string) bool {
	return common.IsHexAddress(s)
}

// NodeID derives the stable node identity from the machine ID and the
// wallet address. Same machine plus same wallet always yields the same
// node.
func NodeID(machineID, walletAddress string) string {
	sum := sha256.Sum256([]byte(machineID + strings.ToLower(walletAddress)))
	return hex.EncodeToString(sum[:])
}
