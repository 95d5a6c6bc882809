// Package validation checks user supplied mining parameters: payout
// addresses before a miner is launched and share fields before they are
// relayed to a pool.
package validation

import (
	stdErrors "errors"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/bardlex/gominer/pkg/errors"
)

// Whive base58 version bytes
const (
	whivePubKeyHashVersion = 0x49
	whiveScriptHashVersion = 0x07
)

var (
	// ErrEmptyAddress is returned for a blank address
	ErrEmptyAddress = stdErrors.New("address is empty")
	// ErrWrongNetwork is returned when an address decodes for another chain or network
	ErrWrongNetwork = stdErrors.New("address belongs to a different network")
)

// NetworkParams maps a network name to btcd chain parameters
func NetworkParams(network string) (*chaincfg.Params, error) {
	switch strings.ToLower(network) {
	case "", "mainnet", "main":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3", "test":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	default:
		return nil, errors.New(errors.ErrorTypeValidation, "network_params", "unknown network").
			WithContext("network", network)
	}
}

// ValidateAddress checks a payout address for the given miner type.
// Bitcoin addresses are decoded against network; whive addresses are
// base58check with whive version bytes. Other miner types only require a
// non-empty address.
func ValidateAddress(minerType, network, address string) error {
	switch minerType {
	case "bitcoin":
		params, err := NetworkParams(network)
		if err != nil {
			return err
		}
		return ValidateBitcoinAddress(address, params)
	case "whive":
		return ValidateWhiveAddress(address)
	default:
		if strings.TrimSpace(address) == "" {
			return errors.Wrap(ErrEmptyAddress, errors.ErrorTypeValidation, "validate_address", "invalid address")
		}
		return nil
	}
}

// ValidateBitcoinAddress decodes address and checks it belongs to params
func ValidateBitcoinAddress(address string, params *chaincfg.Params) error {
	if address == "" {
		return errors.Wrap(ErrEmptyAddress, errors.ErrorTypeValidation, "validate_address", "invalid bitcoin address")
	}

	addr, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "validate_address", "invalid bitcoin address").
			WithContext("address", address)
	}
	if !addr.IsForNet(params) {
		return errors.Wrap(ErrWrongNetwork, errors.ErrorTypeValidation, "validate_address", "invalid bitcoin address").
			WithContext("address", address).
			WithContext("network", params.Name)
	}
	return nil
}

// ValidateWhiveAddress checks a whive P2PKH ('W...') or P2SH ('7...') address
func ValidateWhiveAddress(address string) error {
	if address == "" {
		return errors.Wrap(ErrEmptyAddress, errors.ErrorTypeValidation, "validate_address", "invalid whive address")
	}
	if len(address) < 26 || len(address) > 35 {
		return errors.New(errors.ErrorTypeValidation, "validate_address", "invalid whive address length").
			WithContext("address", address)
	}

	payload, version, err := base58.CheckDecode(address)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "validate_address", "invalid whive address").
			WithContext("address", address)
	}
	if len(payload) != 20 {
		return errors.New(errors.ErrorTypeValidation, "validate_address", "invalid whive address payload").
			WithContext("address", address)
	}
	if version != whivePubKeyHashVersion && version != whiveScriptHashVersion {
		return errors.Wrap(ErrWrongNetwork, errors.ErrorTypeValidation, "validate_address", "invalid whive address").
			WithContext("address", address).
			WithContext("version", version)
	}
	return nil
}
