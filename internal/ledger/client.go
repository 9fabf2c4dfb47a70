package ledger

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// EthClient pairs the typed ethclient API with the raw RPC connection used
// for lenient block and receipt reads.
type EthClient struct {
	eth *ethclient.Client
	rpc *rpc.Client
}

func Dial(ctx context.Context, url string) (*EthClient, error) {
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial ledger rpc: %w", err)
	}
	return &EthClient{eth: ethclient.NewClient(c), rpc: c}, nil
}

func (c *EthClient) BlockNumber(ctx context.Context) (uint64, error) {
	return c.eth.BlockNumber(ctx)
}

func (c *EthClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return c.eth.FilterLogs(ctx, q)
}

func (c *EthClient) CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	return c.rpc.CallContext(ctx, result, method, args...)
}

func (c *EthClient) Close() {
	c.rpc.Close()
}

var _ ChainClient = (*EthClient)(nil)
