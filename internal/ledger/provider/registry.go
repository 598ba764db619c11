// Package provider 按配置实例化各条链的支付校验器并统一管理生命周期。
package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"OrcaFlow/internal/config"
	"OrcaFlow/internal/ledger"
	"OrcaFlow/internal/ledger/ethereum"

	xerrors "OrcaFlow/internal/errors"
)

// Registry 以链名为键管理一组校验器。
type Registry struct {
	defaultChain string
	verifiers    map[string]ledger.Verifier
}

// NewRegistry 加载链定义并实例化具体的校验器。
func NewRegistry(ctx context.Context, cfg config.LedgerConfig) (*Registry, error) {
	defs, err := ledger.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}

	verifiers := make(map[string]ledger.Verifier)
	for name, chain := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(chain.Type))
		if chainType == "" {
			chainType = "evm"
		}
		switch chainType {
		case "evm":
			client, err := ethereum.NewClient(ctx, ethereum.Config{
				Name:          name,
				RPCURL:        chain.RPCURL,
				Confirmations: chain.Confirmations,
				Notes:         chain.Description,
			})
			if err != nil {
				return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
			}
			verifiers[name] = client
		default:
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type)
		}
	}

	if len(verifiers) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		client, err := ethereum.NewClient(ctx, ethereum.Config{Name: "default", RPCURL: cfg.RPCURL})
		if err != nil {
			return nil, err
		}
		verifiers["default"] = client
		if cfg.DefaultChain == "" {
			cfg.DefaultChain = "default"
		}
	}

	if len(verifiers) == 0 {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置任何链的 RPC 端点")
	}

	defaultChain := cfg.DefaultChain
	if defaultChain == "" {
		names := make([]string, 0, len(verifiers))
		for name := range verifiers {
			names = append(names, name)
		}
		sort.Strings(names)
		defaultChain = names[0]
	}
	if _, ok := verifiers[defaultChain]; !ok {
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", defaultChain)
	}

	return &Registry{defaultChain: defaultChain, verifiers: verifiers}, nil
}

// DefaultVerifier 返回默认链的校验器。
func (r *Registry) DefaultVerifier() (ledger.Verifier, error) {
	if r == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未初始化的链校验器注册表")
	}
	verifier, ok := r.verifiers[r.defaultChain]
	if !ok {
		return nil, fmt.Errorf("默认链 %s 未在注册表中", r.defaultChain)
	}
	return verifier, nil
}

// Verifier 返回指定链的校验器。
func (r *Registry) Verifier(name string) (ledger.Verifier, bool) {
	if r == nil {
		return nil, false
	}
	verifier, ok := r.verifiers[name]
	return verifier, ok
}

// Chains 返回已注册的链名列表。
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.verifiers))
	for name := range r.verifiers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close 释放注册表管理的所有校验器。
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, verifier := range r.verifiers {
		if verifier != nil {
			verifier.Close()
		}
		delete(r.verifiers, name)
	}
}
