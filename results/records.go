package results

import "fmt"

// 任务类别
const (
	TaskClassify       = "classify"
	TaskAnswerable     = "answerable"
	TaskCounterfactual = "counterfactual"
	TaskRedacted       = "redacted"
	TaskImportance     = "importance"
)

var taskTables = map[string]string{
	TaskClassify:       "Classify",
	TaskAnswerable:     "Answerable",
	TaskCounterfactual: "Counterfactual",
	TaskRedacted:       "Redacted",
	TaskImportance:     "importance",
}

// TableForTask 返回任务类别对应的表名。任务记录类型可被多个任务共用，表名需显式指定。
func TableForTask(task string) (string, error) {
	table, ok := taskTables[task]
	if !ok {
		return "", fmt.Errorf("unknown task %q", task)
	}
	return table, nil
}

// TaskResult 是所有任务结果共有的字段
type TaskResult struct {
	Duration float64 `db:"duration"`
	Label    string  `db:"label"`
}

// ClassifyResult 分类任务结果
type ClassifyResult struct {
	TaskResult
	Debug         *string `db:"debug"`
	PredictPrompt *string `db:"predict_prompt"`
	PredictAnswer *string `db:"predict_answer"`
	Predict       *string `db:"predict"`
	Correct       *bool   `db:"correct"`
}

// IntrospectResult 自省任务结果
type IntrospectResult struct {
	ClassifyResult
	AbilityPrompt *string `db:"ability_prompt"`
	AbilityAnswer *string `db:"ability_answer"`
	Ability       *string `db:"ability"` // yes / no
	Introspect    *bool   `db:"introspect"`
}

// FaithfulResult 忠实性任务结果
type FaithfulResult struct {
	ClassifyResult
	ExplainPrompt        *string `db:"explain_prompt"`
	ExplainAnswer        *string `db:"explain_answer"`
	Explain              *string `db:"explain"`
	ExplainPredictPrompt *string `db:"explain_predict_prompt"`
	ExplainPredictAnswer *string `db:"explain_predict_answer"`
	ExplainPredict       *string `db:"explain_predict"`
	Faithful             *bool   `db:"faithful"`
}

// PromptResult 是单次 prompt 生成的结果，由命令行驱动使用
type PromptResult struct {
	Prompt   string  `db:"prompt"`
	Response string  `db:"response"`
	Duration float64 `db:"duration"`
}

func (PromptResult) TableName() string { return "Prompt" }
