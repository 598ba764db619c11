package ethereum

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"OrcaFlow/internal/ledger"

	xerrors "OrcaFlow/internal/errors"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// transferTopic 是 ERC-20 Transfer(address,address,uint256) 事件的主题哈希。
var transferTopic = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

// Config 描述如何构建一个 EVM 兼容链的校验器。
type Config struct {
	Name          string
	RPCURL        string
	Confirmations uint64
	Notes         string
}

// Client 基于交易回执实现 ledger.Verifier。
// 原生币支付检查交易的收款地址与转账金额；
// 代币支付检查回执中指向收款方的 Transfer 日志。
type Client struct {
	name          string
	notes         string
	confirmations uint64
	rpcClient     *gethrpc.Client
	eth           *ethclient.Client
	mu            sync.Mutex
}

// NewClient 连接配置的 RPC 端点并返回可用的校验器。
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接以太坊节点失败")
	}

	return &Client{
		name:          cfg.Name,
		notes:         cfg.Notes,
		confirmations: cfg.Confirmations,
		rpcClient:     rpcClient,
		eth:           ethclient.NewClient(rpcClient),
	}, nil
}

// Name 返回链名称。
func (c *Client) Name() string {
	return c.name
}

// Verify 实现 ledger.Verifier 接口。所有交易的实付金额之和达到
// 应付金额即视为结清；形制不合法或执行失败的交易导致整组拒绝。
func (c *Client) Verify(ctx context.Context, terms ledger.Terms, txnIDs []string) (ledger.Receipt, error) {
	payee, reason := parseAddress(terms.PayeeWallet)
	if reason != "" {
		return ledger.Receipt{Reason: reason}, nil
	}

	head, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return ledger.Receipt{}, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "查询最新区块失败")
	}

	total := new(big.Int)
	for _, id := range txnIDs {
		if !isTxnHash(id) {
			return ledger.Receipt{Reason: fmt.Sprintf("非法交易哈希 %s", id)}, nil
		}
		amount, receipt, err := c.paidAmount(ctx, common.HexToHash(id), terms, payee, head)
		if err != nil {
			return ledger.Receipt{}, err
		}
		if receipt != nil {
			return *receipt, nil
		}
		total.Add(total, amount)
	}

	if total.Cmp(big.NewInt(terms.Amount)) < 0 {
		return ledger.Receipt{
			Reason: fmt.Sprintf("支付不足: 需要 %d 实付 %s", terms.Amount, total.String()),
		}, nil
	}
	return ledger.Receipt{Settled: true}, nil
}

// paidAmount 返回单笔交易支付给收款方的金额。
// 返回的 *ledger.Receipt 非 nil 表示该交易导致整组拒绝。
func (c *Client) paidAmount(ctx context.Context, hash common.Hash, terms ledger.Terms, payee common.Address, head uint64) (*big.Int, *ledger.Receipt, error) {
	tx, pending, err := c.eth.TransactionByHash(ctx, hash)
	if err == gethcore.NotFound {
		return nil, &ledger.Receipt{Reason: fmt.Sprintf("交易 %s 不存在", hash.Hex())}, nil
	}
	if err != nil {
		return nil, nil, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "查询交易失败")
	}
	if pending {
		return nil, nil, xerrors.New(xerrors.CodeLedgerFailure, "交易尚未上链",
			xerrors.WithMetadata("txn_id", hash.Hex()),
			xerrors.WithRetryable(true))
	}

	rcpt, err := c.eth.TransactionReceipt(ctx, hash)
	if err != nil {
		return nil, nil, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "查询交易回执失败")
	}
	if rcpt.Status != coretypes.ReceiptStatusSuccessful {
		return nil, &ledger.Receipt{Reason: fmt.Sprintf("交易 %s 执行失败", hash.Hex())}, nil
	}
	if c.confirmations > 0 && head < rcpt.BlockNumber.Uint64()+c.confirmations {
		return nil, nil, xerrors.New(xerrors.CodeLedgerFailure, "交易确认数不足",
			xerrors.WithMetadata("txn_id", hash.Hex()),
			xerrors.WithRetryable(true))
	}

	if terms.Token == "" {
		if tx.To() == nil || *tx.To() != payee {
			return nil, &ledger.Receipt{Reason: fmt.Sprintf("交易 %s 的收款地址不符", hash.Hex())}, nil
		}
		return new(big.Int).Set(tx.Value()), nil, nil
	}

	token, reason := parseAddress(terms.Token)
	if reason != "" {
		return nil, &ledger.Receipt{Reason: reason}, nil
	}
	return transferredAmount(rcpt, token, payee), nil, nil
}

// transferredAmount 累加回执中代币转入收款方的 Transfer 金额。
func transferredAmount(rcpt *coretypes.Receipt, token, payee common.Address) *big.Int {
	total := new(big.Int)
	for _, log := range rcpt.Logs {
		if log.Address != token || len(log.Topics) != 3 || log.Topics[0] != transferTopic {
			continue
		}
		if common.BytesToAddress(log.Topics[2].Bytes()) != payee {
			continue
		}
		total.Add(total, new(big.Int).SetBytes(log.Data))
	}
	return total
}

// Close 释放底层连接。
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	c.rpcClient = nil
}

func parseAddress(raw string) (common.Address, string) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Sprintf("非法钱包地址 %s", raw)
	}
	return common.HexToAddress(raw), ""
}

func isTxnHash(id string) bool {
	if len(id) != 66 || !strings.HasPrefix(id, "0x") {
		return false
	}
	for _, r := range id[2:] {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') && (r < 'A' || r > 'F') {
			return false
		}
	}
	return true
}

var _ ledger.Verifier = (*Client)(nil)
