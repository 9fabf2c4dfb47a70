package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/link-verifier/internal/interfaces"
	"github.com/akylbek/payment-system/link-verifier/internal/models"
	"github.com/akylbek/payment-system/link-verifier/internal/telemetry"
)

var (
	ErrSourceUnavailable = errors.New("ledger source unavailable")
	ErrMalformedEvent    = errors.New("malformed ledger event")
	ErrInvalidAddress    = errors.New("invalid merchant address")
)

// transferTopic is keccak256("Transfer(address,address,uint256)").
var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// ChainClient is the subset of the node API the reader depends on. Blocks and
// receipts are read through raw CallContext so transaction types unknown to
// go-ethereum (such as OP stack deposits) do not fail the whole block.
type ChainClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
}

type rpcBlock struct {
	Transactions []json.RawMessage `json:"transactions"`
}

type rpcTransaction struct {
	Hash  *common.Hash    `json:"hash"`
	From  *common.Address `json:"from"`
	To    *common.Address `json:"to"`
	Value *hexutil.Big    `json:"value"`
}

type rpcReceipt struct {
	Status *hexutil.Uint64 `json:"status"`
}

type RetryPolicy struct {
	MaxAttempts     uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

type Reader struct {
	client      ChainClient
	currencies  models.CurrencyTable
	callTimeout time.Duration
	retry       RetryPolicy
}

func NewReader(client ChainClient, currencies models.CurrencyTable, callTimeout time.Duration, retry RetryPolicy) (*Reader, error) {
	if err := ValidateCurrencies(currencies); err != nil {
		return nil, err
	}
	if retry.MaxAttempts == 0 {
		retry.MaxAttempts = 1
	}
	return &Reader{
		client:      client,
		currencies:  NormalizeCurrencies(currencies),
		callTimeout: callTimeout,
		retry:       retry,
	}, nil
}

func (r *Reader) Currencies() models.CurrencyTable {
	return r.currencies
}

// RecentTransfers returns transfers of currency to merchant within
// [head-lookbackBlocks, head]. Malformed events are dropped; the batch never
// contains a partial view caused by a failed call.
func (r *Reader) RecentTransfers(ctx context.Context, merchant, currency string, lookbackBlocks uint64) (*models.TransferBatch, error) {
	cur, ok := r.currencies[currency]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCurrency, currency)
	}
	if !common.IsHexAddress(merchant) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAddress, merchant)
	}
	recipient := common.HexToAddress(merchant)

	var head uint64
	err := r.call(ctx, "block_number", func(ctx context.Context) error {
		var err error
		head, err = r.client.BlockNumber(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	from := uint64(0)
	if head > lookbackBlocks {
		from = head - lookbackBlocks
	}

	batch := &models.TransferBatch{
		Merchant:  models.NormalizeAddress(merchant),
		Currency:  currency,
		Head:      head,
		FromBlock: from,
	}

	if cur.Native {
		batch.Events, err = r.nativeTransfers(ctx, recipient, from, head)
	} else {
		batch.Events, err = r.tokenTransfers(ctx, cur, recipient, from, head)
	}
	if err != nil {
		return nil, err
	}
	return batch, nil
}

func (r *Reader) tokenTransfers(ctx context.Context, cur models.Currency, recipient common.Address, from, to uint64) ([]models.LedgerEvent, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{common.HexToAddress(cur.Address)},
		Topics: [][]common.Hash{
			{transferTopic},
			nil,
			{common.BytesToHash(recipient.Bytes())},
		},
	}

	var logs []types.Log
	err := r.call(ctx, "filter_logs", func(ctx context.Context) error {
		var err error
		logs, err = r.client.FilterLogs(ctx, query)
		return err
	})
	if err != nil {
		return nil, err
	}

	events := make([]models.LedgerEvent, 0, len(logs))
	for _, lg := range logs {
		ev, err := decodeTransferLog(lg)
		if err != nil {
			telemetry.MalformedEvents.Inc()
			telemetry.Logger.Warn("Discarding ledger event",
				zap.String("currency", cur.Symbol),
				zap.String("tx_hash", lg.TxHash.Hex()),
				zap.Error(err),
			)
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

func decodeTransferLog(lg types.Log) (models.LedgerEvent, error) {
	if lg.Removed {
		return models.LedgerEvent{}, fmt.Errorf("%w: log removed by reorg", ErrMalformedEvent)
	}
	if len(lg.Topics) != 3 || lg.Topics[0] != transferTopic {
		return models.LedgerEvent{}, fmt.Errorf("%w: expected 3 transfer topics, got %d", ErrMalformedEvent, len(lg.Topics))
	}
	if len(lg.Data) != common.HashLength {
		return models.LedgerEvent{}, fmt.Errorf("%w: value data is %d bytes", ErrMalformedEvent, len(lg.Data))
	}
	if lg.TxHash == (common.Hash{}) {
		return models.LedgerEvent{}, fmt.Errorf("%w: missing transaction hash", ErrMalformedEvent)
	}

	return models.LedgerEvent{
		From:            models.NormalizeAddress(common.BytesToAddress(lg.Topics[1].Bytes()).Hex()),
		To:              models.NormalizeAddress(common.BytesToAddress(lg.Topics[2].Bytes()).Hex()),
		Value:           new(big.Int).SetBytes(lg.Data),
		TokenContract:   models.NormalizeAddress(lg.Address.Hex()),
		BlockNumber:     lg.BlockNumber,
		TransactionHash: models.NormalizeAddress(lg.TxHash.Hex()),
		LogIndex:        lg.Index,
	}, nil
}

func (r *Reader) nativeTransfers(ctx context.Context, recipient common.Address, from, to uint64) ([]models.LedgerEvent, error) {
	var events []models.LedgerEvent
	for n := from; n <= to; n++ {
		var raw json.RawMessage
		err := r.call(ctx, "block_by_number", func(ctx context.Context) error {
			return r.client.CallContext(ctx, &raw, "eth_getBlockByNumber", hexutil.EncodeUint64(n), true)
		})
		if err != nil {
			return nil, err
		}

		var block *rpcBlock
		if err := json.Unmarshal(raw, &block); err != nil || block == nil {
			telemetry.MalformedEvents.Inc()
			telemetry.Logger.Warn("Discarding unreadable block response", zap.Uint64("block", n), zap.Error(err))
			continue
		}

		for _, rawTx := range block.Transactions {
			var tx rpcTransaction
			if err := json.Unmarshal(rawTx, &tx); err != nil || tx.Hash == nil || tx.Value == nil {
				telemetry.MalformedEvents.Inc()
				telemetry.Logger.Warn("Discarding ledger event",
					zap.Uint64("block", n),
					zap.Error(fmt.Errorf("%w: undecodable transaction: %v", ErrMalformedEvent, err)),
				)
				continue
			}
			if tx.To == nil || *tx.To != recipient || tx.Value.ToInt().Sign() <= 0 {
				continue
			}

			ok, err := r.succeeded(ctx, *tx.Hash)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}

			ev := models.LedgerEvent{
				To:              models.NormalizeAddress(recipient.Hex()),
				Value:           new(big.Int).Set(tx.Value.ToInt()),
				BlockNumber:     n,
				TransactionHash: models.NormalizeAddress(tx.Hash.Hex()),
			}
			if tx.From != nil {
				ev.From = models.NormalizeAddress(tx.From.Hex())
			}
			events = append(events, ev)
		}
	}
	return events, nil
}

// succeeded reports whether a block-body transaction actually executed.
func (r *Reader) succeeded(ctx context.Context, hash common.Hash) (bool, error) {
	var receipt *rpcReceipt
	err := r.call(ctx, "transaction_receipt", func(ctx context.Context) error {
		return r.client.CallContext(ctx, &receipt, "eth_getTransactionReceipt", hash)
	})
	if err != nil {
		return false, err
	}
	return receipt != nil && receipt.Status != nil && uint64(*receipt.Status) == types.ReceiptStatusSuccessful, nil
}

// call runs fn with a per-call timeout and retries it with exponential backoff.
func (r *Reader) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	eb := backoff.NewExponentialBackOff()
	if r.retry.InitialInterval > 0 {
		eb.InitialInterval = r.retry.InitialInterval
	}
	if r.retry.MaxInterval > 0 {
		eb.MaxInterval = r.retry.MaxInterval
	}
	eb.MaxElapsedTime = 0

	attempts := 0
	operation := func() error {
		attempts++
		callCtx := ctx
		if r.callTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, r.callTimeout)
			defer cancel()
		}
		err := fn(callCtx)
		if err != nil && (ctx.Err() != nil || isDecodeError(err)) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		telemetry.Logger.Warn("Ledger call failed, retrying",
			zap.String("op", op),
			zap.Int("attempts", attempts),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(eb, r.retry.MaxAttempts-1), ctx)
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return fmt.Errorf("%w: %s failed after %d attempts: %v", ErrSourceUnavailable, op, attempts, err)
	}
	return nil
}

// isDecodeError reports failures that repeat identically on retry because the
// node answered but the response could not be decoded.
func isDecodeError(err error) bool {
	var (
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
	)
	return errors.As(err, &syntaxErr) ||
		errors.As(err, &typeErr) ||
		errors.Is(err, types.ErrTxTypeNotSupported) ||
		errors.Is(err, ErrMalformedEvent)
}

var _ interfaces.LedgerReader = (*Reader)(nil)
