package chain

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// erc20ABIJSON is the minimal subset of the standard ERC-20 interface this
// package touches: balanceOf, transfer, and the Transfer event. Hand-kept
// rather than abigen-generated since there is no working Go toolchain in
// this build pipeline to run the generator against.
const erc20ABIJSON = `[
	{"constant":true,"inputs":[{"name":"_owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"balance","type":"uint256"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"_to","type":"address"},{"name":"_value","type":"uint256"}],"name":"transfer","outputs":[{"name":"success","type":"bool"}],"type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"}
]`

var erc20ABI abi.ABI

// transferEventSig is keccak256("Transfer(address,address,uint256)"), the
// topic every ERC-20 Transfer log is indexed under.
var transferEventSig = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

func init() {
	parsed, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		panic("chain: invalid embedded ERC-20 ABI: " + err.Error())
	}
	erc20ABI = parsed
}

func packBalanceOf(owner common.Address) ([]byte, error) {
	return erc20ABI.Pack("balanceOf", owner)
}

func unpackBalanceOf(data []byte) (*big.Int, error) {
	out, err := erc20ABI.Unpack("balanceOf", data)
	if err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

func packTransfer(to common.Address, amount *big.Int) ([]byte, error) {
	return erc20ABI.Pack("transfer", to, amount)
}

func decodeTransferLogAmount(data []byte) (*big.Int, error) {
	out, err := erc20ABI.Unpack("Transfer", data)
	if err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}
