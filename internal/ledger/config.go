package ledger

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ChainDefinitions 对应 configs/chains.yaml 的结构。
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition 描述单条链的接入端点。
type ChainDefinition struct {
	Type          string `yaml:"type"`
	RPCURL        string `yaml:"rpc_url"`
	Confirmations uint64 `yaml:"confirmations"`
	Description   string `yaml:"description"`
}

// LoadChainDefinitions 解析链配置 YAML 文件。路径为空时返回空集合。
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}

	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	return defs, nil
}
