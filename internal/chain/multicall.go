package chain

import (
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const multicallABIJSON = `[
  {
    "inputs": [
      {"internalType": "bool", "name": "requireSuccess", "type": "bool"},
      {
        "components": [
          {"internalType": "address", "name": "target", "type": "address"},
          {"internalType": "bytes", "name": "callData", "type": "bytes"}
        ],
        "internalType": "struct Multicall3.Call[]",
        "name": "calls",
        "type": "tuple[]"
      }
    ],
    "name": "tryAggregate",
    "outputs": [
      {
        "components": [
          {"internalType": "bool", "name": "success", "type": "bool"},
          {"internalType": "bytes", "name": "returnData", "type": "bytes"}
        ],
        "internalType": "struct Multicall3.Result[]",
        "name": "returnData",
        "type": "tuple[]"
      }
    ],
    "stateMutability": "payable",
    "type": "function"
  }
]`

var (
	multicallABI     abi.ABI
	multicallABIOnce sync.Once
	multicallABIErr  error
)

// MulticallABI returns the parsed aggregating-contract ABI.
func MulticallABI() (abi.ABI, error) {
	multicallABIOnce.Do(func() {
		multicallABI, multicallABIErr = abi.JSON(strings.NewReader(multicallABIJSON))
	})
	return multicallABI, multicallABIErr
}

// Call is one encoded sub-call of an aggregate round trip.
type Call struct {
	Target   common.Address `abi:"target"`
	CallData []byte         `abi:"callData"`
}

// CallResult is the per-call outcome of an aggregate round trip.
type CallResult struct {
	Success    bool   `abi:"success"`
	ReturnData []byte `abi:"returnData"`
}

// PackTryAggregate encodes calls into tryAggregate calldata. Failures of
// individual sub-calls are tolerated so one reverting pool does not
// poison the batch.
func PackTryAggregate(calls []Call) ([]byte, error) {
	parsed, err := MulticallABI()
	if err != nil {
		return nil, err
	}
	return parsed.Pack("tryAggregate", false, calls)
}

// UnpackTryAggregate decodes a tryAggregate return payload.
func UnpackTryAggregate(data []byte) ([]CallResult, error) {
	parsed, err := MulticallABI()
	if err != nil {
		return nil, err
	}
	values, err := parsed.Unpack("tryAggregate", data)
	if err != nil {
		return nil, err
	}
	results := *abi.ConvertType(values[0], new([]CallResult)).(*[]CallResult)
	return results, nil
}
