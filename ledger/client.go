package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"crossvault/networks"
)

// Client routes ledger reads to a per-network backend. EVM networks use a
// real JSON-RPC endpoint via ethclient; other families go through an
// indexer-style HTTP gateway configured per network.
type Client struct {
	registry *networks.Registry
	evm      map[networks.Network]*ethclient.Client
	indexers map[networks.Network]*indexerClient
}

// NewClient dials the configured endpoint of every supported network.
// Networks without an endpoint are left unwired and fail at call time, which
// keeps local setups with a single network usable.
func NewClient(registry *networks.Registry, endpoints map[networks.Network]string) (*Client, error) {
	client := &Client{
		registry: registry,
		evm:      make(map[networks.Network]*ethclient.Client),
		indexers: make(map[networks.Network]*indexerClient),
	}
	for network, endpoint := range endpoints {
		desc, ok := registry.Descriptor(network)
		if !ok {
			return nil, fmt.Errorf("ledger: endpoint configured for unsupported network %s", network)
		}
		trimmed := strings.TrimSpace(endpoint)
		if trimmed == "" {
			continue
		}
		switch desc.Family {
		case networks.FamilyEVM:
			dialed, err := ethclient.Dial(trimmed)
			if err != nil {
				return nil, fmt.Errorf("ledger: dial %s: %w", network, err)
			}
			client.evm[network] = dialed
		default:
			client.indexers[network] = newIndexerClient(trimmed)
		}
	}
	return client, nil
}

// Close releases the underlying RPC connections.
func (c *Client) Close() {
	for _, dialed := range c.evm {
		dialed.Close()
	}
}

// Balance returns the on-chain balance of an address in the network's
// smallest unit.
func (c *Client) Balance(ctx context.Context, network networks.Network, address string) (*big.Int, error) {
	if evm, ok := c.evm[network]; ok {
		balance, err := evm.BalanceAt(ctx, ethcommon.HexToAddress(address), nil)
		if err != nil {
			return nil, &UnavailableError{Network: network, Op: "balance", Err: err}
		}
		return balance, nil
	}
	if indexer, ok := c.indexers[network]; ok {
		return indexer.balance(ctx, address)
	}
	return nil, &UnavailableError{Network: network, Op: "balance", Err: errors.New("no endpoint configured")}
}

// TransactionReceipt confirms an externally signed transaction.
func (c *Client) TransactionReceipt(ctx context.Context, network networks.Network, txHash string) (*Receipt, error) {
	if evm, ok := c.evm[network]; ok {
		receipt, err := evm.TransactionReceipt(ctx, ethcommon.HexToHash(txHash))
		if err != nil {
			if errors.Is(err, ethereum.NotFound) {
				return nil, &NotFoundError{Network: network, TxHash: txHash}
			}
			return nil, &UnavailableError{Network: network, Op: "transactionReceipt", Err: err}
		}
		return &Receipt{
			TxHash:      txHash,
			Confirmed:   receipt.Status == 1,
			BlockNumber: receipt.BlockNumber.Uint64(),
		}, nil
	}
	if indexer, ok := c.indexers[network]; ok {
		return indexer.receipt(ctx, network, txHash)
	}
	return nil, &UnavailableError{Network: network, Op: "transactionReceipt", Err: errors.New("no endpoint configured")}
}
