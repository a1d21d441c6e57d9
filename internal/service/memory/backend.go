package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/zhouzirui/z-avatar/backend/internal/apperr"
	memorymodel "github.com/zhouzirui/z-avatar/backend/internal/model/memory"
)

var (
	ErrTooFewTurns    = fmt.Errorf("%w: at least one user/assistant exchange is required", apperr.ErrPreconditionNotMet)
	ErrNoMemoryHandle = fmt.Errorf("%w: memory handle is not ready", apperr.ErrPreconditionNotMet)
)

// Backend 是记忆服务的最小接口：写入对话记录、按查询检索摘要。
type Backend interface {
	Memorize(ctx context.Context, req memorymodel.MemorizeRequest) error
	Retrieve(ctx context.Context, req memorymodel.RetrieveRequest) (memorymodel.QueryResult, error)
}

// Factory constructs a backend when a handle is acquired.
type Factory func(ctx context.Context) (Backend, error)

// LoadRecord 返回请求中的对话记录，优先使用内联记录，否则读取暂存文件。
func LoadRecord(req memorymodel.MemorizeRequest) (memorymodel.Record, error) {
	if req.Record != nil {
		return *req.Record, nil
	}
	if req.ResourcePath == "" {
		return memorymodel.Record{}, apperr.Invalid("memorize request has neither record nor resource path")
	}
	return ReadRecordFile(req.ResourcePath)
}

// ReadRecordFile 读取 `{"messages":[...]}` 格式的对话文件。
func ReadRecordFile(path string) (memorymodel.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return memorymodel.Record{}, fmt.Errorf("read conversation resource: %w", err)
	}

	var record memorymodel.Record
	if err := json.Unmarshal(data, &record); err != nil {
		return memorymodel.Record{}, fmt.Errorf("parse conversation resource %s: %w", path, err)
	}
	return record, nil
}
