package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"crossvault/networks"
)

var errIndexerNotFound = errors.New("ledger: record not found")

// indexerClient reads balances and transaction confirmations from an
// indexer-style HTTP gateway. Used for networks without a native RPC binding
// in this process (UTXO chains).
type indexerClient struct {
	base       string
	httpClient *http.Client
}

func newIndexerClient(base string) *indexerClient {
	return &indexerClient{
		base:       strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *indexerClient) balance(ctx context.Context, address string) (*big.Int, error) {
	var payload struct {
		Balance string `json:"balance"`
	}
	if err := c.get(ctx, "/address/"+url.PathEscape(address), &payload); err != nil {
		return nil, err
	}
	balance, ok := new(big.Int).SetString(strings.TrimSpace(payload.Balance), 10)
	if !ok {
		return nil, fmt.Errorf("ledger: malformed balance %q for %s", payload.Balance, address)
	}
	return balance, nil
}

func (c *indexerClient) receipt(ctx context.Context, network networks.Network, txHash string) (*Receipt, error) {
	var payload struct {
		Confirmed   bool   `json:"confirmed"`
		BlockHeight uint64 `json:"blockHeight"`
	}
	if err := c.get(ctx, "/tx/"+url.PathEscape(txHash), &payload); err != nil {
		if errors.Is(err, errIndexerNotFound) {
			return nil, &NotFoundError{Network: network, TxHash: txHash}
		}
		return nil, err
	}
	return &Receipt{TxHash: txHash, Confirmed: payload.Confirmed, BlockNumber: payload.BlockHeight}, nil
}

func (c *indexerClient) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusNotFound {
		return errIndexerNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ledger: GET %s returned %d", path, resp.StatusCode)
	}
	return json.Unmarshal(raw, out)
}
