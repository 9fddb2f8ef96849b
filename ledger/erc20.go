package ledger

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const erc20ABI = `
[
  {
    "name": "transfer",
    "type": "function",
    "stateMutability": "nonpayable",
    "inputs": [
      { "name": "to", "type": "address" },
      { "name": "value", "type": "uint256" }
    ],
    "outputs": [{ "name": "", "type": "bool" }]
  },
  {
    "name": "balanceOf",
    "type": "function",
    "stateMutability": "view",
    "inputs": [{ "name": "owner", "type": "address" }],
    "outputs": [{ "name": "", "type": "uint256" }]
  },
  {
    "name": "Transfer",
    "type": "event",
    "anonymous": false,
    "inputs": [
      { "name": "from", "type": "address", "indexed": true },
      { "name": "to", "type": "address", "indexed": true },
      { "name": "value", "type": "uint256", "indexed": false }
    ]
  }
]`

// transferTopic is keccak256("Transfer(address,address,uint256)").
var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

var tokenABI = mustParseABI(erc20ABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("invalid erc20 abi: %v", err))
	}
	return parsed
}

// TokenTransfer is a decoded ERC-20 Transfer event.
type TokenTransfer struct {
	Token common.Address
	From  common.Address
	To    common.Address
	Value *big.Int
}

// DecodeTransfers extracts the Transfer events emitted by token from logs.
func DecodeTransfers(token common.Address, logs []*ethtypes.Log) []TokenTransfer {
	var out []TokenTransfer
	for _, l := range logs {
		if l == nil || l.Address != token || len(l.Topics) != 3 || l.Topics[0] != transferTopic {
			continue
		}
		out = append(out, TokenTransfer{
			Token: l.Address,
			From:  common.BytesToAddress(l.Topics[1].Bytes()),
			To:    common.BytesToAddress(l.Topics[2].Bytes()),
			Value: new(big.Int).SetBytes(l.Data),
		})
	}
	return out
}

// MatchTransfer reports whether any transfer moved exactly value from -> to.
// An empty from matches any sender.
func MatchTransfer(transfers []TokenTransfer, from string, to common.Address, value *big.Int) bool {
	for _, t := range transfers {
		if t.To != to || t.Value.Cmp(value) != 0 {
			continue
		}
		if from != "" && !strings.EqualFold(t.From.Hex(), from) {
			continue
		}
		return true
	}
	return false
}
