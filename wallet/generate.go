package wallet

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/afero"
	"github.com/tyler-smith/go-bip39"

	"airdrop-automation/profile"
)

// DefaultWalletFile is where GenerateWallets writes by default.
var DefaultWalletFile = filepath.Join("wallet", "auto_wallet.json")

// GenerateMnemonic returns a fresh English 12-word recovery phrase.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(128)
	if err != nil {
		return "", fmt.Errorf("generate entropy: %w", err)
	}
	return bip39.NewMnemonic(entropy)
}

// DerivationPath is the first account on the standard Ethereum path, the
// one the extension restores from a recovery phrase.
const DerivationPath = "m/44'/60'/0'/0/0"

var ethPath = []uint32{
	hdkeychain.HardenedKeyStart + 44,
	hdkeychain.HardenedKeyStart + 60,
	hdkeychain.HardenedKeyStart + 0,
	0,
	0,
}

// Account is an EVM key pair. PrivateKey and PublicKey are 0x-prefixed hex;
// PublicKey is the uncompressed point without its 04 prefix. Address is
// EIP-55 checksummed.
type Account struct {
	PrivateKey string
	PublicKey  string
	Address    string
}

// DeriveAccount derives the DerivationPath account of a 12-word phrase with
// an empty passphrase.
func DeriveAccount(phrase string) (*Account, error) {
	words, err := ValidateMnemonic(phrase)
	if err != nil {
		return nil, err
	}
	seed := bip39.NewSeed(strings.Join(words, " "), "")

	key, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("master key: %w", err)
	}
	for _, idx := range ethPath {
		if key, err = key.Derive(idx); err != nil {
			return nil, fmt.Errorf("derive %s: %w", DerivationPath, err)
		}
	}
	ec, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("derive %s: %w", DerivationPath, err)
	}
	priv, err := crypto.ToECDSA(ec.Serialize())
	if err != nil {
		return nil, fmt.Errorf("private key: %w", err)
	}
	pub := crypto.FromECDSAPub(&priv.PublicKey)
	return &Account{
		PrivateKey: hexutil.Encode(crypto.FromECDSA(priv)),
		PublicKey:  hexutil.Encode(pub[1:]),
		Address:    crypto.PubkeyToAddress(priv.PublicKey).Hex(),
	}, nil
}

// GenerateWallets writes n named wallets with fresh mnemonics and their
// derived keys to path as a JSON array. It refuses to overwrite an existing
// file.
func GenerateWallets(fs afero.Fs, path string, n int) ([]profile.Wallet, error) {
	if n <= 0 {
		return nil, fmt.Errorf("wallet count must be positive, got %d", n)
	}
	exists, err := afero.Exists(fs, path)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("wallet file %s: %w", path, os.ErrExist)
	}

	wallets := make([]profile.Wallet, 0, n)
	for i := 0; i < n; i++ {
		mnemonic, err := GenerateMnemonic()
		if err != nil {
			return nil, err
		}
		acct, err := DeriveAccount(mnemonic)
		if err != nil {
			return nil, err
		}
		wallets = append(wallets, profile.Wallet{
			Name:       fmt.Sprintf("AutoAccount%d", i),
			PrivateKey: acct.PrivateKey,
			PublicKey:  acct.PublicKey,
			Address:    acct.Address,
			Mnemonic:   mnemonic,
		})
	}

	data, err := json.MarshalIndent(wallets, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode wallets: %w", err)
	}
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create wallet dir: %w", err)
	}
	if err := afero.WriteFile(fs, path, append(data, '\n'), 0o600); err != nil {
		return nil, fmt.Errorf("write wallets: %w", err)
	}
	return wallets, nil
}
