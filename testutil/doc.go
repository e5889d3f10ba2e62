// Package testutil provides testing utilities for txengine.
//
// This package contains test fixtures and builders commonly used across the
// txengine test files.
//
// # Important Note on Import Cycles
//
// Mock implementations (the fake node reader, fake signer, fake stream
// connections, etc.) live in the txengine package's own _test.go files to
// avoid import cycles. This package only contains utilities that do not
// depend on txengine types.
//
// # Test Fixtures
//
// Common test values are provided:
//   - TestAddr1, TestAddr2, TestAddr3: Common test addresses
//   - OneEth: 1 ether in wei
//   - ChainIDSelendra, ChainIDMainnet: Common chain IDs
//
// # Builders
//
// Helper functions for receipts and hashes:
//   - HashOf: Deterministic transaction hashes
//   - NewSuccessReceipt, NewFailedReceipt, NewReceiptAt: Test receipts pinned to a block
package testutil
