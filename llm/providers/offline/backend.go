package offline

import (
	"context"

	"github.com/BaSui01/evalflow/llm"
	"github.com/BaSui01/evalflow/types"
)

// Name 后端名称
const Name = "offline"

// Backend 不连接任何模型服务。配合生成缓存使用时，只能回答已缓存的提示词。
type Backend struct{}

// New 创建离线后端
func New() *Backend { return &Backend{} }

// Name 返回后端名称
func (*Backend) Name() string { return Name }

// TryConnect 总是成功
func (*Backend) TryConnect(context.Context) error { return nil }

// Info 返回空信息
func (*Backend) Info(context.Context) (llm.Info, error) { return llm.Info{}, nil }

// Generate 总是返回离线错误
func (*Backend) Generate(context.Context, string, types.GenerateParams) (llm.BackendResponse, error) {
	return llm.BackendResponse{}, types.NewOfflineError("no backend is used in offline mode")
}
