package distribution

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	xerrors "Teknia-Ledger/internal/errors"
)

// batchEnvelope 兼容带包装对象的批次文件格式。
type batchEnvelope struct {
	KNUs []*KNU `json:"knus"`
}

// LoadBatchFile 读取并解析 KNU 批次文件。
func LoadBatchFile(path string) ([]*KNU, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfig, err, "读取批次文件失败")
	}
	return ParseBatch(content)
}

// ParseBatch 解析 KNU 批次。输入既可以是顶层 JSON 数组，
// 也可以是 {"knus": [...]} 包装对象。
func ParseBatch(content []byte) ([]*KNU, error) {
	trimmed := bytes.TrimSpace(content)
	if len(trimmed) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "批次内容为空")
	}

	var knus []*KNU
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &knus); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析批次数组失败")
		}
	} else {
		var envelope batchEnvelope
		if err := json.Unmarshal(trimmed, &envelope); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析批次对象失败")
		}
		knus = envelope.KNUs
	}
	if err := ValidateBatch(knus); err != nil {
		return nil, err
	}
	return knus, nil
}

// ValidateBatch 做批次级的结构校验：记录非空、id 唯一、归属完整、评分非负。
func ValidateBatch(knus []*KNU) error {
	if len(knus) == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "批次中没有任何 KNU 记录")
	}
	seen := make(map[string]struct{}, len(knus))
	for i, k := range knus {
		if k == nil {
			return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("第 %d 条记录为空", i))
		}
		if strings.TrimSpace(k.ID) == "" {
			return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("第 %d 条记录缺少 id", i))
		}
		if _, dup := seen[k.ID]; dup {
			return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("KNU id %q 重复", k.ID))
		}
		seen[k.ID] = struct{}{}
		if strings.TrimSpace(k.Group) == "" {
			return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("KNU %s 缺少 group", k.ID))
		}
		if strings.TrimSpace(k.Owner) == "" {
			return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("KNU %s 缺少 owner 账户", k.ID))
		}
		if k.Effort < 0 || k.ImpactPrimary < 0 || k.ImpactSpillover < 0 {
			return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("KNU %s 含负数评分", k.ID))
		}
	}
	return nil
}
