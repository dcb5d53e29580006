package anchor

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	xerrors "Teknia-Ledger/internal/errors"
)

// Anchor 把账本链头摘要写到外部 EVM 链上，为链下日志提供
// 不可抵赖的时间戳。
type Anchor interface {
	// AnchorHead 提交一笔携带链头摘要的交易，返回链上交易哈希。
	AnchorHead(ctx context.Context, seq uint64, head common.Hash) (string, error)
	// Close 释放节点连接。
	Close()
}

// NopAnchor 在未启用锚定时充当空实现。
type NopAnchor struct{}

// AnchorHead 直接返回空哈希。
func (NopAnchor) AnchorHead(ctx context.Context, seq uint64, head common.Hash) (string, error) {
	return "", nil
}

// Close 无资源可释放。
func (NopAnchor) Close() {}

// Config 描述 EVM 锚定所需的节点与签名信息。
type Config struct {
	RPCURL     string
	PrivateKey string
	ChainID    int64
}

// EVMAnchor 通过以太坊兼容节点提交锚定交易。
type EVMAnchor struct {
	client  *ethclient.Client
	key     *ecdsa.PrivateKey
	from    common.Address
	chainID *big.Int
}

// NewEVMAnchor 建立节点连接并解析签名私钥。
func NewEVMAnchor(ctx context.Context, cfg Config) (*EVMAnchor, error) {
	if strings.TrimSpace(cfg.RPCURL) == "" {
		return nil, xerrors.New(xerrors.CodeConfig, "锚定节点 RPC 地址为空")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfig, err, "解析锚定私钥失败")
	}

	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接锚定节点失败")
	}

	chainID := big.NewInt(cfg.ChainID)
	if cfg.ChainID <= 0 {
		chainID, err = client.ChainID(ctx)
		if err != nil {
			client.Close()
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取链 ID 失败")
		}
	}

	return &EVMAnchor{
		client:  client,
		key:     key,
		from:    crypto.PubkeyToAddress(key.PublicKey),
		chainID: chainID,
	}, nil
}

// AnchorHead 构造一笔自转零值交易，把链头序号与哈希放进 calldata。
func (a *EVMAnchor) AnchorHead(ctx context.Context, seq uint64, head common.Hash) (string, error) {
	nonce, err := a.client.PendingNonceAt(ctx, a.from)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeQueueFailure, err, "获取锚定账户 nonce 失败")
	}
	gasPrice, err := a.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeQueueFailure, err, "获取 gas 价格失败")
	}

	payload := []byte(fmt.Sprintf("tekledger|%d|%s", seq, head.Hex()))
	gasLimit := uint64(21000 + 68*len(payload))
	tx := types.NewTransaction(nonce, a.from, big.NewInt(0), gasLimit, gasPrice, payload)

	signed, err := types.SignTx(tx, types.NewEIP155Signer(a.chainID), a.key)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeUnknown, err, "签名锚定交易失败")
	}
	if err := a.client.SendTransaction(ctx, signed); err != nil {
		return "", xerrors.Wrap(xerrors.CodeQueueFailure, err, "提交锚定交易失败")
	}
	return signed.Hash().Hex(), nil
}

// Close 断开节点连接。
func (a *EVMAnchor) Close() {
	if a != nil && a.client != nil {
		a.client.Close()
	}
}
