package testutil

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ============================================================
// Test Addresses
// ============================================================

var (
	// TestAddr1 is the default sender address in tests
	TestAddr1 = common.HexToAddress("0x1111111111111111111111111111111111111111")
	// TestAddr2 is the default recipient address in tests
	TestAddr2 = common.HexToAddress("0x2222222222222222222222222222222222222222")
	// TestAddr3 is a spare address for third-party scenarios
	TestAddr3 = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

// ============================================================
// Common Values
// ============================================================

var (
	// OneEth is 1 ether in wei
	OneEth = big.NewInt(1000000000000000000)
)

// ============================================================
// Chain IDs
// ============================================================

var (
	// ChainIDSelendra is the Selendra mainnet chain ID
	ChainIDSelendra = big.NewInt(1961)
	// ChainIDMainnet is the Ethereum mainnet chain ID
	ChainIDMainnet = big.NewInt(1)
)
