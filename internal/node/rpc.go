// Package node provides access to the coin daemon: JSON-RPC queries used
// by block lifecycle tracking and a ZMQ subscription for new-block
// notifications.
package node

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"

	"github.com/bardlex/poolacct/internal/accounting"
	"github.com/bardlex/poolacct/pkg/circuit"
	"github.com/bardlex/poolacct/pkg/errors"
	"github.com/bardlex/poolacct/pkg/retry"
)

// RPCClient provides the daemon RPC surface the accounting service needs.
// Transient failures are retried and guarded by a circuit breaker; a block
// or transaction the daemon does not know is a normal answer, not a
// failure, and never counts against the breaker.
type RPCClient struct {
	client         *rpcclient.Client
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// NewRPCClient creates a daemon RPC client. HTTP POST mode with TLS
// disabled matches a local daemon deployment.
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
		return nil, errors.Wrap(err, errors.ErrorTypeNode, "rpc_client_creation",
			"failed to create daemon RPC client").
			WithContext("host", host).
			WithContext("port", port)
	}

	cbConfig := &circuit.Config{
		MaxFailures:     3,
		SuccessRequired: 2,
		Timeout:         10 * time.Second,
		ResetTimeout:    30 * time.Second,
	}

	return &RPCClient{
		client:         client,
		circuitBreaker: circuit.New(cbConfig),
		retryConfig:    retry.NodeConfig(),
	}, nil
}

// Close shuts down the RPC client
func (c *RPCClient) Close() {
	c.client.Shutdown()
}

// Ping checks daemon connectivity
func (c *RPCClient) Ping(ctx context.Context) error {
	return c.circuitBreaker.Execute(ctx, func() error {
		if err := c.client.Ping(); err != nil {
			return errors.Wrap(err, errors.ErrorTypeNode, "ping",
				"daemon unreachable")
		}
		return nil
	})
}

// BlockCount returns the current chain height.
func (c *RPCClient) BlockCount(ctx context.Context) (int64, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (int64, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (int64, error) {
			count, err := c.client.GetBlockCountAsync().Receive()
			if err != nil {
				return 0, errors.Wrap(err, errors.ErrorTypeNode, "get_block_count",
					"failed to retrieve chain height")
			}
			return count, nil
		})
	})
}

// BlockConfirmations returns the confirmation count for a block hash, or
// accounting.ErrBlockNotFound when the daemon does not recognize it.
func (c *RPCClient) BlockConfirmations(ctx context.Context, hash string) (int64, error) {
	blockHash, err := chainhash.NewHashFromStr(hash)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeValidation, "block_confirmations",
			"malformed block hash").
			WithContext("hash", hash)
	}

	type result struct {
		confirmations int64
		found         bool
	}

	res, err := circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (result, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (result, error) {
			block, err := c.client.GetBlockVerboseAsync(blockHash).Receive()
			if err != nil {
				if isNotFound(err) {
					return result{found: false}, nil
				}
				return result{}, errors.Wrap(err, errors.ErrorTypeNode, "get_block",
					"failed to retrieve block").
					WithContext("hash", hash)
			}
			return result{confirmations: block.Confirmations, found: true}, nil
		})
	})
	if err != nil {
		return 0, err
	}
	if !res.found {
		return 0, accounting.ErrBlockNotFound
	}
	// The daemon reports -1 for blocks off the canonical chain.
	if res.confirmations < 0 {
		return 0, accounting.ErrBlockNotFound
	}
	return res.confirmations, nil
}

// TransactionConfirmations returns the confirmation count for a wallet
// transaction, or accounting.ErrBlockNotFound when the daemon does not
// know it.
func (c *RPCClient) TransactionConfirmations(ctx context.Context, txid string) (int64, error) {
	txHash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeValidation, "transaction_confirmations",
			"malformed transaction id").
			WithContext("txid", txid)
	}

	type result struct {
		confirmations int64
		found         bool
	}

	res, err := circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (result, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (result, error) {
			tx, err := c.client.GetTransactionAsync(txHash).Receive()
			if err != nil {
				if isNotFound(err) {
					return result{found: false}, nil
				}
				return result{}, errors.Wrap(err, errors.ErrorTypeNode, "get_transaction",
					"failed to retrieve transaction").
					WithContext("txid", txid)
			}
			return result{confirmations: tx.Confirmations, found: true}, nil
		})
	})
	if err != nil {
		return 0, err
	}
	if !res.found {
		return 0, accounting.ErrBlockNotFound
	}
	return res.confirmations, nil
}

// BlockInfo returns the height and hex-encoded compact bits of a block.
func (c *RPCClient) BlockInfo(ctx context.Context, hash string) (int64, string, error) {
	blockHash, err := chainhash.NewHashFromStr(hash)
	if err != nil {
		return 0, "", errors.Wrap(err, errors.ErrorTypeValidation, "block_info",
			"malformed block hash").
			WithContext("hash", hash)
	}

	type info struct {
		height int64
		bits   string
	}

	res, err := circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (info, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (info, error) {
			block, err := c.client.GetBlockVerboseAsync(blockHash).Receive()
			if err != nil {
				return info{}, errors.Wrap(err, errors.ErrorTypeNode, "get_block",
					"failed to retrieve block").
					WithContext("hash", hash)
			}
			return info{height: block.Height, bits: block.Bits}, nil
		})
	})
	if err != nil {
		return 0, "", err
	}
	return res.height, res.bits, nil
}

// BlockReward returns the coinbase value of the block at the given hash:
// subsidy plus collected transaction fees.
func (c *RPCClient) BlockReward(ctx context.Context, hash string) (int64, error) {
	blockHash, err := chainhash.NewHashFromStr(hash)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeValidation, "block_reward",
			"malformed block hash").
			WithContext("hash", hash)
	}

	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (int64, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (int64, error) {
			block, err := c.client.GetBlockAsync(blockHash).Receive()
			if err != nil {
				return 0, errors.Wrap(err, errors.ErrorTypeNode, "get_block",
					"failed to retrieve block").
					WithContext("hash", hash)
			}
			if len(block.Transactions) == 0 {
				return 0, errors.New(errors.ErrorTypeNode, "block_reward",
					"block has no coinbase transaction").
					WithContext("hash", hash)
			}

			var reward int64
			for _, out := range block.Transactions[0].TxOut {
				reward += out.Value
			}
			return reward, nil
		})
	})
}

// isNotFound reports whether a daemon error means the requested block or
// transaction is unknown rather than the daemon failing.
func isNotFound(err error) bool {
	var rpcErr *btcjson.RPCError
	if !stderrors.As(err, &rpcErr) {
		return false
	}
	switch rpcErr.Code {
	case btcjson.ErrRPCBlockNotFound,
		btcjson.ErrRPCInvalidAddressOrKey,
		btcjson.ErrRPCNoTxInfo:
		return true
	}
	return false
}
