package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

// promptJob 是提示词文件中的一行
type promptJob struct {
	Idx    int    `json:"idx"`
	Prompt string `json:"prompt"`
}

// maxPromptLine 单行上限，长上下文提示词可能超过 bufio 默认的 64KiB
const maxPromptLine = 16 << 20

// readPrompts 读取 JSON lines 提示词文件。缺少 idx 的行使用其行序号，空行被跳过。
func readPrompts(path string) ([]promptJob, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open prompts: %w", err)
	}
	defer f.Close()
	return decodePrompts(f)
}

func decodePrompts(r io.Reader) ([]promptJob, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxPromptLine)

	var (
		jobs []promptJob
		seen = make(map[int]int)
		line int
	)
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		var raw struct {
			Idx    *int    `json:"idx"`
			Prompt *string `json:"prompt"`
		}
		if err := json.Unmarshal([]byte(text), &raw); err != nil {
			return nil, fmt.Errorf("prompts line %d: %w", line, err)
		}
		if raw.Prompt == nil {
			return nil, fmt.Errorf("prompts line %d: missing \"prompt\"", line)
		}

		job := promptJob{Idx: len(jobs), Prompt: *raw.Prompt}
		if raw.Idx != nil {
			job.Idx = *raw.Idx
		}
		if job.Idx < 0 {
			return nil, fmt.Errorf("prompts line %d: negative idx %d", line, job.Idx)
		}
		if prev, ok := seen[job.Idx]; ok {
			return nil, fmt.Errorf("prompts line %d: idx %d already used on line %d", line, job.Idx, prev)
		}
		seen[job.Idx] = line
		jobs = append(jobs, job)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read prompts: %w", err)
	}
	return jobs, nil
}
