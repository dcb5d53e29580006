package distribution

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	xerrors "Teknia-Ledger/internal/errors"
)

// WriteReport 把分配报告以缩进 JSON 的形式写入目标流。
func WriteReport(w io.Writer, result *Result) error {
	if result == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "分配结果为空")
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(result); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写出分配报告失败")
	}
	return nil
}

// SaveReport 把分配报告落盘到目录下，文件名携带组名与运行 ID，
// 返回完整路径。
func SaveReport(dir string, result *Result) (string, error) {
	if result == nil {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "分配结果为空")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建报告目录失败")
	}
	path := filepath.Join(dir, fmt.Sprintf("distribution_%s_%s.json", result.Group, result.RunID))
	file, err := os.Create(path)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建报告文件失败")
	}
	defer file.Close()
	if err := WriteReport(file, result); err != nil {
		return "", err
	}
	return path, nil
}
