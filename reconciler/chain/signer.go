package chain

import (
	"context"
	"fmt"
	"strings"

	"cosmossdk.io/math"
	wasmtypes "github.com/CosmWasm/wasmd/x/wasm/types"
	cmttypes "github.com/cometbft/cometbft/types"
	"github.com/cosmos/cosmos-sdk/client"
	"github.com/cosmos/cosmos-sdk/client/tx"
	"github.com/cosmos/cosmos-sdk/crypto/hd"
	cryptotypes "github.com/cosmos/cosmos-sdk/crypto/types"
	sdk "github.com/cosmos/cosmos-sdk/types"
	"github.com/cosmos/cosmos-sdk/types/bech32"
	"github.com/cosmos/cosmos-sdk/types/tx/signing"
	authsigning "github.com/cosmos/cosmos-sdk/x/auth/signing"
	"github.com/rs/zerolog"

	"github.com/AbstractSDK/ans-scraper/reconciler/config"
)

// Signer holds the registry signer key of one network and builds signed
// registry transactions. It keeps no sequence state: the caller owns the
// account sequence for the duration of a submission.
type Signer struct {
	network  string
	chainID  string
	privKey  cryptotypes.PrivKey
	address  string
	txConfig client.TxConfig
	log      zerolog.Logger

	feeDenom     string
	gasPrice     math.LegacyDec
	gasPerOp     uint64
	baseGasPerTx uint64
}

// NewSigner derives the signer key from mnemonic on the network's HD path.
func NewSigner(
	network string,
	cfg config.NetworkConfig,
	mnemonic string,
	enc EncodingConfig,
	log zerolog.Logger,
) (*Signer, error) {
	mnemonic = strings.TrimSpace(mnemonic)
	if mnemonic == "" {
		return nil, fmt.Errorf("network %s: empty signer mnemonic", network)
	}

	coinType := cfg.CoinType
	if coinType == 0 {
		coinType = sdk.CoinType
	}
	hdPath := hd.CreateHDPath(coinType, 0, 0).String()

	derived, err := hd.Secp256k1.Derive()(mnemonic, "", hdPath)
	if err != nil {
		return nil, fmt.Errorf("network %s: failed to derive signer key: %w", network, err)
	}
	privKey := hd.Secp256k1.Generate()(derived)

	address, err := bech32.ConvertAndEncode(cfg.Bech32Prefix, privKey.PubKey().Address())
	if err != nil {
		return nil, fmt.Errorf("network %s: failed to encode signer address: %w", network, err)
	}

	gasPrice := math.LegacyZeroDec()
	if cfg.GasPrice != "" {
		gasPrice, err = math.LegacyNewDecFromStr(cfg.GasPrice)
		if err != nil {
			return nil, fmt.Errorf("network %s: invalid gas price %q: %w", network, cfg.GasPrice, err)
		}
	}
	if cfg.FeeDenom != "" {
		if err := sdk.ValidateDenom(cfg.FeeDenom); err != nil {
			return nil, fmt.Errorf("network %s: invalid fee denom: %w", network, err)
		}
	}

	return &Signer{
		network:      network,
		chainID:      cfg.ChainID,
		privKey:      privKey,
		address:      address,
		txConfig:     enc.TxConfig,
		log:          log.With().Str("component", "signer").Str("network", network).Logger(),
		feeDenom:     cfg.FeeDenom,
		gasPrice:     gasPrice,
		gasPerOp:     cfg.GasPerOp,
		baseGasPerTx: cfg.BaseGasPerTx,
	}, nil
}

// Address returns the bech32 signer address.
func (s *Signer) Address() string {
	return s.address
}

// Fee returns the gas limit and fee for a tx carrying msgCount messages.
func (s *Signer) Fee(msgCount int) (uint64, sdk.Coins) {
	gas := s.baseGasPerTx + s.gasPerOp*uint64(msgCount)
	if s.feeDenom == "" || s.gasPrice.IsZero() {
		return gas, sdk.NewCoins()
	}
	amount := s.gasPrice.MulInt64(int64(gas)).Ceil().TruncateInt()
	return gas, sdk.NewCoins(sdk.NewCoin(s.feeDenom, amount))
}

// ExecuteMsgs wraps contract payloads into MsgExecuteContract messages sent
// by the signer.
func (s *Signer) ExecuteMsgs(contract string, payloads [][]byte) []sdk.Msg {
	msgs := make([]sdk.Msg, 0, len(payloads))
	for _, payload := range payloads {
		msgs = append(msgs, &wasmtypes.MsgExecuteContract{
			Sender:   s.address,
			Contract: contract,
			Msg:      wasmtypes.RawContractMessage(payload),
		})
	}
	return msgs
}

// SignedTx is an encoded tx together with its hash.
type SignedTx struct {
	Bytes    []byte
	Hash     string
	Sequence uint64
	GasLimit uint64
	Fee      sdk.Coins
}

// Sign builds and signs a tx with an explicit account number and sequence.
// Signing is deterministic, so the same inputs produce the same hash.
func (s *Signer) Sign(
	ctx context.Context,
	msgs []sdk.Msg,
	memo string,
	accountNumber uint64,
	sequence uint64,
) (*SignedTx, error) {
	if len(msgs) == 0 {
		return nil, fmt.Errorf("no messages to sign")
	}

	gasLimit, fee := s.Fee(len(msgs))

	txBuilder := s.txConfig.NewTxBuilder()
	if err := txBuilder.SetMsgs(msgs...); err != nil {
		return nil, fmt.Errorf("failed to set messages: %w", err)
	}
	txBuilder.SetMemo(memo)
	txBuilder.SetGasLimit(gasLimit)
	txBuilder.SetFeeAmount(fee)

	pubKey := s.privKey.PubKey()

	// Set empty signature first to populate SignerInfos
	sig := signing.SignatureV2{
		PubKey: pubKey,
		Data: &signing.SingleSignatureData{
			SignMode:  signing.SignMode_SIGN_MODE_DIRECT,
			Signature: nil,
		},
		Sequence: sequence,
	}
	if err := txBuilder.SetSignatures(sig); err != nil {
		return nil, fmt.Errorf("failed to set signatures: %w", err)
	}

	signerData := authsigning.SignerData{
		Address:       s.address,
		ChainID:       s.chainID,
		AccountNumber: accountNumber,
		Sequence:      sequence,
		PubKey:        pubKey,
	}

	signV2, err := tx.SignWithPrivKey(
		ctx,
		signing.SignMode_SIGN_MODE_DIRECT,
		signerData,
		txBuilder,
		s.privKey,
		s.txConfig,
		sequence,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to sign with private key: %w", err)
	}
	if err := txBuilder.SetSignatures(signV2); err != nil {
		return nil, fmt.Errorf("failed to set final signatures: %w", err)
	}

	txBytes, err := s.txConfig.TxEncoder()(txBuilder.GetTx())
	if err != nil {
		return nil, fmt.Errorf("failed to encode transaction: %w", err)
	}

	hash := TxHash(txBytes)
	s.log.Debug().
		Str("tx_hash", hash).
		Uint64("account_number", accountNumber).
		Uint64("sequence", sequence).
		Int("msg_count", len(msgs)).
		Msg("transaction signed")

	return &SignedTx{
		Bytes:    txBytes,
		Hash:     hash,
		Sequence: sequence,
		GasLimit: gasLimit,
		Fee:      fee,
	}, nil
}

// TxHash returns the upper-case hex hash nodes index a tx under.
func TxHash(txBytes []byte) string {
	return fmt.Sprintf("%X", cmttypes.Tx(txBytes).Hash())
}
