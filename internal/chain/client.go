package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// Client wraps go-ethereum RPC and exposes the two capability shapes the
// sync engine needs: ranged log scans and aggregated batch calls.
type Client struct {
	rpcClient *rpc.Client
	ethClient *ethclient.Client
	multicall common.Address
}

// NewClient dials the RPC endpoint. multicall is the aggregating
// contract used for batched state calls (Multicall3 on most networks).
func NewClient(ctx context.Context, rpcURL string, multicall common.Address) (*Client, error) {
	rpcClient, err := rpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, err
	}

	return &Client{
		rpcClient: rpcClient,
		ethClient: ethclient.NewClient(rpcClient),
		multicall: multicall,
	}, nil
}

// Close closes the underlying RPC client.
func (c *Client) Close() {
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
}

// ChainID returns the chain ID.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	return c.ethClient.ChainID(ctx)
}

// LatestBlockNumber returns the latest block number.
func (c *Client) LatestBlockNumber(ctx context.Context) (uint64, error) {
	return c.ethClient.BlockNumber(ctx)
}

// FilterLogs returns logs emitted by address in the inclusive block
// range, filtered on topic0.
func (c *Client) FilterLogs(
	ctx context.Context,
	fromBlock uint64,
	toBlock uint64,
	address common.Address,
	topic0 common.Hash,
) ([]types.Log, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{address},
		Topics:    [][]common.Hash{{topic0}},
	}
	return c.ethClient.FilterLogs(ctx, query)
}

// CallAggregate executes all calls in a single eth_call round trip
// through the aggregating contract. Per-call failures come back as
// unsuccessful results, not as an error.
func (c *Client) CallAggregate(ctx context.Context, calls []Call) ([]CallResult, error) {
	if len(calls) == 0 {
		return nil, nil
	}

	payload, err := PackTryAggregate(calls)
	if err != nil {
		return nil, fmt.Errorf("pack aggregate call: %w", err)
	}

	raw, err := c.ethClient.CallContract(ctx, ethereum.CallMsg{
		To:   &c.multicall,
		Data: payload,
	}, nil)
	if err != nil {
		return nil, err
	}

	results, err := UnpackTryAggregate(raw)
	if err != nil {
		return nil, fmt.Errorf("unpack aggregate result: %w", err)
	}
	if len(results) != len(calls) {
		return nil, fmt.Errorf("aggregate result count mismatch: %d calls, %d results", len(calls), len(results))
	}
	return results, nil
}
