package experiment

import (
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BaSui01/evalflow/types"
)

// Options 是实验 ID 的可选部分，零值字段不出现在 ID 中
type Options struct {
	Model   string
	Dataset string
	Split   *types.Split
	Seed    *int
}

var pathReplacer = strings.NewReplacer("/", "-", "\\", "-", " ", "-")

// ID 生成规范化的实验 ID：{name}_m-{model}_d-{dataset}_p-{split}_s-{seed}。
// 名称部分转为小写，路径分隔符和空格替换为 "-"。
func ID(name string, opts Options) string {
	var b strings.Builder
	b.WriteString(normalize(name))
	if opts.Model != "" {
		b.WriteString("_m-")
		b.WriteString(normalize(opts.Model))
	}
	if opts.Dataset != "" {
		b.WriteString("_d-")
		b.WriteString(normalize(opts.Dataset))
	}
	if opts.Split != nil {
		b.WriteString("_p-")
		b.WriteString(opts.Split.String())
	}
	if opts.Seed != nil {
		b.WriteString("_s-")
		b.WriteString(strconv.Itoa(*opts.Seed))
	}
	return b.String()
}

func normalize(s string) string {
	return pathReplacer.Replace(strings.ToLower(strings.TrimSpace(s)))
}

// CacheDir 返回生成缓存目录 <root>/database
func CacheDir(root string) string {
	return filepath.Join(root, "database")
}

// ResultsDir 返回某类实验的结果目录 <root>/results/<kind>
func ResultsDir(root, kind string) string {
	return filepath.Join(root, "results", normalize(kind))
}
