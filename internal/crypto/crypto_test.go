package crypto

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbitrageur/internal/domain"
)

// Well-known development key (hardhat account #0).
const devKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

var devAddress = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")

func TestLoadRawKey(t *testing.T) {
	key, err := LoadKey(KeySource{RawPrivateKey: devKey})
	require.NoError(t, err)
	assert.Equal(t, devAddress, NewSigner(key).Address())

	_, err = LoadKey(KeySource{RawPrivateKey: "0xnothex"})
	assert.ErrorContains(t, err, "not hex")

	_, err = LoadKey(KeySource{})
	assert.ErrorIs(t, err, ErrNoKey)
}

func TestKeystoreRoundTrip(t *testing.T) {
	blob, err := EncryptKey(devKey, "hunter2")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "wallet.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	signer, err := NewSignerFromSource(KeySource{EncryptedKeyPath: path, KeyPassword: "hunter2"})
	require.NoError(t, err)
	assert.Equal(t, devAddress, signer.Address())

	_, err = DecryptKey(blob, "wrong")
	assert.ErrorContains(t, err, "wrong password")

	_, err = EncryptKey(devKey, "")
	assert.Error(t, err)
}

func TestSignTx(t *testing.T) {
	key, err := LoadKey(KeySource{RawPrivateKey: devKey})
	require.NoError(t, err)
	s := NewSigner(key)

	to := common.HexToAddress("0x1111111111111111111111111111111111111111")
	chainID := big.NewInt(42161)
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     7,
		GasTipCap: big.NewInt(1e8),
		GasFeeCap: big.NewInt(2e9),
		Gas:       300_000,
		To:        &to,
		Data:      []byte{0x01, 0x02},
	})

	signed, err := s.SignTx(tx, chainID)
	require.NoError(t, err)
	from, err := types.Sender(types.LatestSignerForChainID(chainID), signed)
	require.NoError(t, err)
	assert.Equal(t, devAddress, from)
	assert.Equal(t, uint64(7), signed.Nonce())

	_, err = s.SignTx(tx, big.NewInt(1))
	assert.ErrorIs(t, err, domain.ErrSigningFailed)
}

func TestHMACHeaders(t *testing.T) {
	h := NewHMACAuth("key-1", "secret", "pass", "OK-ACCESS")

	got := h.HeadersAt("GET", "/api/v5/dex/quote?chainId=1", "", 1700000000)

	assert.Equal(t, "key-1", got["OK-ACCESS-KEY"])
	assert.Equal(t, "1700000000", got["OK-ACCESS-TIMESTAMP"])
	assert.Equal(t, "pass", got["OK-ACCESS-PASSPHRASE"])
	assert.Equal(t, hmacSHA256Base64([]byte("secret"), "1700000000GET/api/v5/dex/quote?chainId=1"), got["OK-ACCESS-SIGN"])
	assert.Equal(t, got, h.HeadersAt("GET", "/api/v5/dex/quote?chainId=1", "", 1700000000))
	assert.NotEqual(t, got["OK-ACCESS-SIGN"], h.HeadersAt("GET", "/other", "", 1700000000)["OK-ACCESS-SIGN"])

	plain := NewHMACAuth("k", "s", "", "")
	_, hasPass := plain.Headers("GET", "/", "")["X-API-PASSPHRASE"]
	assert.False(t, hasPass)
	assert.Equal(t, "HMACAuth{key=****, secret=****}", plain.String())
}
