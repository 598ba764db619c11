package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LoadCatalog 从 JSON 文件加载智能体清单，供启动时注入目录。
func LoadCatalog(path string) ([]*Record, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("智能体清单路径不能为空")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析智能体清单路径失败: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取智能体清单失败: %w", err)
	}
	defer file.Close()

	var records []*Record
	if err := json.NewDecoder(file).Decode(&records); err != nil {
		return nil, fmt.Errorf("解析智能体清单失败: %w", err)
	}

	now := time.Now().Unix()
	for _, record := range records {
		if record.Status == "" {
			record.Status = StatusActive
		}
		if record.CreatedAt == 0 {
			record.CreatedAt = now
		}
		record.UpdatedAt = now
	}
	return records, nil
}

// SeedDirectory 将清单写入目录。已存在的记录被清单覆盖。
func SeedDirectory(ctx context.Context, directory Directory, records []*Record) error {
	for _, record := range records {
		if err := directory.Put(ctx, record); err != nil {
			return fmt.Errorf("注入智能体 %s 失败: %w", record.ID, err)
		}
	}
	return nil
}
