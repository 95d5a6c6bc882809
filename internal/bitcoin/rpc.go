package bitcoin

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/gominer/pkg/circuit"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/retry"
)

// Node is the subset of Bitcoin Core RPC the solo miner depends on
type Node interface {
	GetBlockTemplate(ctx context.Context) (*btcjson.GetBlockTemplateResult, error)
	SubmitBlock(ctx context.Context, block *wire.MsgBlock) error
	GetMiningInfo(ctx context.Context) (*btcjson.GetMiningInfoResult, error)
}

// RPCClient is a Bitcoin Core JSON-RPC client. Every call goes through a
// circuit breaker and is retried with backoff.
type RPCClient struct {
	client         *rpcclient.Client
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
	submitConfig   *retry.Config
}

// NewRPCClient creates a client for the node at host:port. HTTP POST mode
// is used with TLS disabled, matching a local Bitcoin Core.
func NewRPCClient(host string, port int, username, password string) (*RPCClient, error) {
	connCfg := &rpcclient.ConnConfig{
		Host:         fmt.Sprintf("%s:%d", host, port),
		User:         username,
		Pass:         password,
		HTTPPostMode: true,
		DisableTLS:   true,
	}

	client, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeBitcoin, "rpc_client_creation",
			"failed to create Bitcoin RPC client").
			WithContext("host", host).
			WithContext("port", port)
	}

	return &RPCClient{
		client: client,
		circuitBreaker: circuit.New(&circuit.Config{
			Name:            "bitcoin_rpc",
			MaxFailures:     3,
			SuccessRequired: 2,
			Timeout:         10 * time.Second,
			ResetTimeout:    30 * time.Second,
		}),
		retryConfig: retry.NetworkConfig(),
		// block submission is time critical
		submitConfig: &retry.Config{
			MaxAttempts: 2,
			BaseDelay:   50 * time.Millisecond,
			MaxDelay:    200 * time.Millisecond,
			Multiplier:  1.5,
		},
	}, nil
}

// Close shuts the underlying client down
func (c *RPCClient) Close() {
	c.client.Shutdown()
}

// GetBlockTemplate requests a segwit block template
func (c *RPCClient) GetBlockTemplate(ctx context.Context) (*btcjson.GetBlockTemplateResult, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (*btcjson.GetBlockTemplateResult, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (*btcjson.GetBlockTemplateResult, error) {
			req := &btcjson.TemplateRequest{
				Mode:         "template",
				Capabilities: []string{"coinbasetxn", "workid", "coinbase/append"},
				Rules:        []string{"segwit"},
			}

			template, err := c.client.GetBlockTemplateAsync(req).Receive()
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeBitcoin, "get_block_template",
					"failed to retrieve block template from Bitcoin Core")
			}
			return template, nil
		})
	})
}

// SubmitBlock submits a solved block
func (c *RPCClient) SubmitBlock(ctx context.Context, block *wire.MsgBlock) error {
	return c.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, c.submitConfig, func() error {
			if err := c.client.SubmitBlockAsync(btcutil.NewBlock(block), nil).Receive(); err != nil {
				return errors.Wrap(err, errors.ErrorTypeBitcoin, "submit_block",
					"failed to submit block to Bitcoin Core").
					WithContext("block_hash", block.BlockHash().String())
			}
			return nil
		})
	})
}

// GetMiningInfo returns height, difficulty and network hashrate
func (c *RPCClient) GetMiningInfo(ctx context.Context) (*btcjson.GetMiningInfoResult, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (*btcjson.GetMiningInfoResult, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (*btcjson.GetMiningInfoResult, error) {
			info, err := c.client.GetMiningInfoAsync().Receive()
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeBitcoin, "get_mining_info",
					"failed to retrieve mining information")
			}
			return info, nil
		})
	})
}

// GetBlockCount returns the node's chain height
func (c *RPCClient) GetBlockCount(ctx context.Context) (int64, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (int64, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (int64, error) {
			count, err := c.client.GetBlockCountAsync().Receive()
			if err != nil {
				return 0, errors.Wrap(err, errors.ErrorTypeBitcoin, "get_block_count",
					"failed to retrieve current block height")
			}
			return count, nil
		})
	})
}

// Ping checks that the node answers RPC calls. getblockchaininfo is used
// since Bitcoin Core's ping returns before the chain is loaded.
func (c *RPCClient) Ping(ctx context.Context) error {
	return c.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			if _, err := c.client.GetBlockChainInfoAsync().Receive(); err != nil {
				return errors.Wrap(err, errors.ErrorTypeBitcoin, "ping",
					"Bitcoin Core is not reachable")
			}
			return nil
		})
	})
}
