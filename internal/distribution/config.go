package distribution

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	xerrors "Teknia-Ledger/internal/errors"
)

// 默认权重参数。
const (
	DefaultAlpha  = 0.30
	DefaultLambda = 0.50
)

// Config 描述各奖励池与权重参数。
type Config struct {
	// Alpha 是努力分量在最终权重中的占比。
	Alpha float64 `yaml:"alpha"`
	// Lambda 是溢出影响在影响分量中的折减系数。
	Lambda float64 `yaml:"lambda"`
	// Pools 把组名映射到该组奖励池的总额（deg）。
	Pools map[string]int64 `yaml:"pools"`
	// Adjacency 是组间溢出系数表：adjacency[src][dst] 表示
	// src 组的贡献对 dst 组的跨组影响折算系数。
	Adjacency map[string]map[string]float64 `yaml:"adjacency"`
}

// LoadConfigFile 解析分配配置 YAML 文件。
func LoadConfigFile(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, xerrors.New(xerrors.CodeConfig, "分配配置路径为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfig, err, "读取分配配置失败")
	}
	return LoadConfig(content)
}

// LoadConfig 解析配置内容并补齐默认值。
func LoadConfig(content []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfig, err, "解析分配配置失败")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 校验参数范围并补齐默认值。
func (c *Config) Validate() error {
	if c.Alpha == 0 {
		c.Alpha = DefaultAlpha
	}
	if c.Lambda == 0 {
		c.Lambda = DefaultLambda
	}
	if c.Alpha < 0 || c.Alpha > 1 {
		return xerrors.New(xerrors.CodeConfig, fmt.Sprintf("alpha %v 必须位于 [0, 1]", c.Alpha))
	}
	if c.Lambda < 0 || c.Lambda > 1 {
		return xerrors.New(xerrors.CodeConfig, fmt.Sprintf("lambda %v 必须位于 [0, 1]", c.Lambda))
	}
	for group, pool := range c.Pools {
		if pool <= 0 {
			return xerrors.New(xerrors.CodeConfig, fmt.Sprintf("组 %q 的奖励池 %d 必须为正整数", group, pool))
		}
	}
	for src, row := range c.Adjacency {
		for dst, coeff := range row {
			if coeff < 0 {
				return xerrors.New(xerrors.CodeConfig,
					fmt.Sprintf("溢出系数 adjacency[%s][%s] = %v 不能为负", src, dst, coeff))
			}
		}
	}
	return nil
}

// PoolFor 返回组的奖励池大小。
func (c *Config) PoolFor(group string) (int64, error) {
	pool, ok := c.Pools[group]
	if !ok {
		return 0, xerrors.New(CodePoolNotFound, "", xerrors.WithMetadata("group", group))
	}
	return pool, nil
}
