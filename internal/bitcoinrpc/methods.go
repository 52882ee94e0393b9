package bitcoinrpc

import "context"

// BlockHash is the typed result of getblockhash.
type BlockHash struct {
	Hash string
}

// RawTransaction is the typed result of getrawtransaction (verbose mode).
type RawTransaction struct {
	TxID          string `json:"txid"`
	Hex           string `json:"hex"`
	Confirmations uint64 `json:"confirmations"`
	BlockHash     string `json:"blockhash"`
}

// FeeEstimate is the typed result of estimatesmartfee.
type FeeEstimate struct {
	FeeRate float64 `json:"feerate"`
	Blocks  int     `json:"blocks"`
}

// MempoolEntry is the typed result of getmempoolentry.
type MempoolEntry struct {
	Size       uint64  `json:"vsize"`
	Fee        float64 `json:"fee"`
	Time       int64   `json:"time"`
	Depends    []string `json:"depends"`
}

// GetBlockCount returns the current block height.
func (c *Client) GetBlockCount(ctx context.Context) (uint64, error) {
	var height uint64
	if err := c.Call(ctx, "getblockcount", []any{}, &height); err != nil {
		return 0, err
	}
	return height, nil
}

// GetBlockHash returns the hash of the block at height.
func (c *Client) GetBlockHash(ctx context.Context, height uint64) (string, error) {
	var hash string
	if err := c.Call(ctx, "getblockhash", []any{height}, &hash); err != nil {
		return "", err
	}
	return hash, nil
}

// GetRawTransaction fetches a transaction by txid in verbose mode.
func (c *Client) GetRawTransaction(ctx context.Context, txid string) (RawTransaction, error) {
	var tx RawTransaction
	if err := c.Call(ctx, "getrawtransaction", []any{txid, true}, &tx); err != nil {
		return RawTransaction{}, err
	}
	return tx, nil
}

// SendRawTransaction broadcasts a signed transaction, returning its txid.
func (c *Client) SendRawTransaction(ctx context.Context, hexTx string) (string, error) {
	var txid string
	if err := c.Call(ctx, "sendrawtransaction", []any{hexTx}, &txid); err != nil {
		return "", err
	}
	return txid, nil
}

// EstimateSmartFee estimates the fee rate needed for confirmation within
// confTarget blocks.
func (c *Client) EstimateSmartFee(ctx context.Context, confTarget int) (FeeEstimate, error) {
	var est FeeEstimate
	if err := c.Call(ctx, "estimatesmartfee", []any{confTarget}, &est); err != nil {
		return FeeEstimate{}, err
	}
	est.Blocks = confTarget
	return est, nil
}

// GetMempoolEntry fetches mempool metadata for an unconfirmed transaction.
func (c *Client) GetMempoolEntry(ctx context.Context, txid string) (MempoolEntry, error) {
	var entry MempoolEntry
	if err := c.Call(ctx, "getmempoolentry", []any{txid}, &entry); err != nil {
		return MempoolEntry{}, err
	}
	return entry, nil
}
