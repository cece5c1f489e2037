// Package chain is the gRPC client and tx signer used to talk to the
// registry contract on each network.
package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	wasmtypes "github.com/CosmWasm/wasmd/x/wasm/types"
	"github.com/cosmos/cosmos-sdk/client/grpc/cmtservice"
	sdk "github.com/cosmos/cosmos-sdk/types"
	txtypes "github.com/cosmos/cosmos-sdk/types/tx"
	authtypes "github.com/cosmos/cosmos-sdk/x/auth/types"
	transfertypes "github.com/cosmos/ibc-go/v10/modules/apps/transfer/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/AbstractSDK/ans-scraper/reconciler/rpcpool"
)

// ibcDenomPrefix prefixes hashed IBC voucher denoms.
const ibcDenomPrefix = "ibc/"

// ErrTxNotFound is returned by GetTx when the node has no record of a hash.
var ErrTxNotFound = errors.New("tx not found")

// ErrNodeSyncing is returned by Ping while the node catches up.
var ErrNodeSyncing = errors.New("node is syncing")

// Client is a gRPC connection to one node endpoint. It is leased through the
// connection pool and must not be shared between concurrent callers.
type Client struct {
	url  string
	conn *grpc.ClientConn

	wasm     wasmtypes.QueryClient
	auth     authtypes.QueryClient
	tx       txtypes.ServiceClient
	node     cmtservice.ServiceClient
	transfer transfertypes.QueryClient
}

// NewClient dials url and prepares the query clients.
func NewClient(url string) (*Client, error) {
	conn, err := Dial(url)
	if err != nil {
		return nil, err
	}
	return &Client{
		url:      url,
		conn:     conn,
		wasm:     wasmtypes.NewQueryClient(conn),
		auth:     authtypes.NewQueryClient(conn),
		tx:       txtypes.NewServiceClient(conn),
		node:     cmtservice.NewServiceClient(conn),
		transfer: transfertypes.NewQueryClient(conn),
	}, nil
}

// Factory returns the pool client factory for chain endpoints.
func Factory() rpcpool.ClientFactory {
	return func(url string) (rpcpool.Client, error) {
		c, err := NewClient(url)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// URL returns the endpoint the client is connected to.
func (c *Client) URL() string {
	return c.url
}

// Ping reports an error if the node is unreachable or still syncing.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.node.GetSyncing(ctx, &cmtservice.GetSyncingRequest{})
	if err != nil {
		return fmt.Errorf("failed to query sync status: %w", err)
	}
	if resp.Syncing {
		return ErrNodeSyncing
	}
	return nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// SmartQuery runs a smart query against a contract and returns the raw JSON
// response.
func (c *Client) SmartQuery(ctx context.Context, contract string, query []byte) ([]byte, error) {
	resp, err := c.wasm.SmartContractState(ctx, &wasmtypes.QuerySmartContractStateRequest{
		Address:   contract,
		QueryData: wasmtypes.RawContractMessage(query),
	})
	if err != nil {
		return nil, fmt.Errorf("smart query on %s failed: %w", contract, err)
	}
	return resp.Data, nil
}

// Account returns the account number and current sequence of address.
func (c *Client) Account(ctx context.Context, address string) (uint64, uint64, error) {
	resp, err := c.auth.AccountInfo(ctx, &authtypes.QueryAccountInfoRequest{Address: address})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to query account info: %w", err)
	}
	if resp.Info == nil {
		return 0, 0, fmt.Errorf("account %s not found", address)
	}
	return resp.Info.AccountNumber, resp.Info.Sequence, nil
}

// BroadcastTx submits signed tx bytes in sync mode. A non-zero CheckTx code is
// returned in the response, not as an error.
func (c *Client) BroadcastTx(ctx context.Context, txBytes []byte) (*sdk.TxResponse, error) {
	resp, err := c.tx.BroadcastTx(ctx, &txtypes.BroadcastTxRequest{
		TxBytes: txBytes,
		Mode:    txtypes.BroadcastMode_BROADCAST_MODE_SYNC,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to broadcast transaction: %w", err)
	}
	if resp.TxResponse == nil {
		return nil, fmt.Errorf("empty broadcast response")
	}
	return resp.TxResponse, nil
}

// GetTx looks up a committed tx by hash. It returns ErrTxNotFound when the
// node does not know the hash.
func (c *Client) GetTx(ctx context.Context, hash string) (*sdk.TxResponse, error) {
	resp, err := c.tx.GetTx(ctx, &txtypes.GetTxRequest{Hash: hash})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrTxNotFound
		}
		return nil, fmt.Errorf("failed to get tx %s: %w", hash, err)
	}
	if resp.TxResponse == nil {
		return nil, ErrTxNotFound
	}
	return resp.TxResponse, nil
}

// DenomTrace resolves an IBC denom hash (with or without the ibc/ prefix)
// into its base denom and hops.
func (c *Client) DenomTrace(ctx context.Context, hash string) (*transfertypes.Denom, error) {
	resp, err := c.transfer.Denom(ctx, &transfertypes.QueryDenomRequest{
		Hash: strings.TrimPrefix(hash, ibcDenomPrefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query denom %s: %w", hash, err)
	}
	if resp.Denom == nil {
		return nil, fmt.Errorf("denom %s not found", hash)
	}
	return resp.Denom, nil
}

func isNotFound(err error) bool {
	if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
		return true
	}
	return strings.Contains(err.Error(), "not found")
}
