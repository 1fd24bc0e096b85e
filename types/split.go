package types

import (
	"fmt"
	"strings"
)

// Split 表示数据集划分。序数参与结果键的编码，不可调整。
type Split int

const (
	SplitTrain Split = iota
	SplitValid
	SplitTest
)

// SplitCount 是划分的数量，也是结果键的步长。
const SplitCount = 3

// Ordinal 返回划分序数（train=0, valid=1, test=2）。
func (s Split) Ordinal() int {
	return int(s)
}

// Valid 检查划分是否有效。
func (s Split) Valid() bool {
	return s >= SplitTrain && s <= SplitTest
}

func (s Split) String() string {
	switch s {
	case SplitTrain:
		return "train"
	case SplitValid:
		return "valid"
	case SplitTest:
		return "test"
	default:
		return fmt.Sprintf("split(%d)", int(s))
	}
}

// ParseSplit 解析划分名称。
func ParseSplit(name string) (Split, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "train":
		return SplitTrain, nil
	case "valid", "validation":
		return SplitValid, nil
	case "test":
		return SplitTest, nil
	default:
		return 0, fmt.Errorf("unknown split %q", name)
	}
}

// MarshalText 实现 encoding.TextMarshaler。
func (s Split) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid split %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText 实现 encoding.TextUnmarshaler。
func (s *Split) UnmarshalText(text []byte) error {
	parsed, err := ParseSplit(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
