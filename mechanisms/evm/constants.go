package evm

const (
	// FunctionTransferWithAuthorization is the EIP-3009 settlement entrypoint.
	FunctionTransferWithAuthorization = "transferWithAuthorization"
	// FunctionBalanceOf is the ERC-20 balance read.
	FunctionBalanceOf = "balanceOf"

	// TxStatusSuccess is the receipt status of a mined, successful transaction.
	TxStatusSuccess = 1
)

var (
	// TransferWithAuthorizationABI is the EIP-3009 ABI fragment for EOA
	// (v, r, s) signatures.
	TransferWithAuthorizationABI = []byte(`[
		{
			"inputs": [
				{"name": "from", "type": "address"},
				{"name": "to", "type": "address"},
				{"name": "value", "type": "uint256"},
				{"name": "validAfter", "type": "uint256"},
				{"name": "validBefore", "type": "uint256"},
				{"name": "nonce", "type": "bytes32"},
				{"name": "v", "type": "uint8"},
				{"name": "r", "type": "bytes32"},
				{"name": "s", "type": "bytes32"}
			],
			"name": "transferWithAuthorization",
			"outputs": [],
			"stateMutability": "nonpayable",
			"type": "function"
		}
	]`)

	// ERC20BalanceOfABI is the ERC-20 balanceOf fragment used for the
	// pre-settlement funds check.
	ERC20BalanceOfABI = []byte(`[
		{
			"inputs": [
				{"name": "account", "type": "address"}
			],
			"name": "balanceOf",
			"outputs": [{"name": "", "type": "uint256"}],
			"stateMutability": "view",
			"type": "function"
		}
	]`)
)
