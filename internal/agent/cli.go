package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// thinkingBudgets maps a thinking level to the token budget handed to the
// agent binary. Zero means the flag is omitted.
var thinkingBudgets = map[string]int{
	"minimal": 1024,
	"low":     4096,
	"medium":  10000,
	"high":    32000,
}

// CLIEngine runs agent turns by spawning an external agent binary in
// stream-json mode, one process per run. Steering writes a user message
// frame into the running process's stdin.
type CLIEngine struct {
	binary string

	mu     sync.Mutex
	stdins map[string]io.Writer // runID -> live process stdin
}

// NewCLIEngine creates an engine around the given binary. Empty binary
// falls back to the CLAWGATE_AGENT_BINARY env var, then "claude".
func NewCLIEngine(binary string) *CLIEngine {
	if binary == "" {
		binary = os.Getenv("CLAWGATE_AGENT_BINARY")
	}
	if binary == "" {
		binary = "claude"
	}
	return &CLIEngine{binary: binary, stdins: make(map[string]io.Writer)}
}

// Run spawns the agent binary and blocks until the turn completes. Stream
// events are forwarded as they arrive; the final result line carries the
// reply text and usage.
func (e *CLIEngine) Run(ctx context.Context, req RunRequest, events chan<- Event) (RunResult, error) {
	args := []string{
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--print",
		"--verbose",
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.SessionID != "" {
		args = append(args, "--resume", req.SessionID)
	}

	cmd := exec.CommandContext(ctx, e.binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.Env = os.Environ()
	if budget := thinkingBudgets[req.Thinking]; budget > 0 {
		cmd.Env = append(cmd.Env, fmt.Sprintf("MAX_THINKING_TOKENS=%d", budget))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return RunResult{}, fmt.Errorf("agent stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return RunResult{}, fmt.Errorf("agent stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		return RunResult{}, fmt.Errorf("start agent %s: %w", e.binary, err)
	}

	e.mu.Lock()
	e.stdins[req.RunID] = stdin
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.stdins, req.RunID)
		e.mu.Unlock()
		stdin.Close()
	}()

	if err := writeUserMessage(stdin, req.Prompt); err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return RunResult{}, fmt.Errorf("send prompt: %w", err)
	}

	result, parseErr := e.consumeStream(ctx, req, stdout, events)
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return RunResult{}, ctx.Err()
	}
	if parseErr != nil {
		return RunResult{}, parseErr
	}
	if waitErr != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = waitErr.Error()
		}
		return RunResult{}, fmt.Errorf("agent run failed: %s", msg)
	}
	return result, nil
}

// Steer injects a follow-up user message into an in-flight run. Returns
// false once the run's process is gone.
func (e *CLIEngine) Steer(runID, prompt string) bool {
	e.mu.Lock()
	w, ok := e.stdins[runID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	return writeUserMessage(w, prompt) == nil
}

// streamLine is the envelope of one stream-json stdout line.
type streamLine struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
	Result    string `json:"result"`
	IsError   bool   `json:"is_error"`
	Message   *struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
	Usage *struct {
		InputTokens              int64 `json:"input_tokens"`
		OutputTokens             int64 `json:"output_tokens"`
		CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
		CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	} `json:"usage"`
}

func (e *CLIEngine) consumeStream(ctx context.Context, req RunRequest, stdout io.Reader, events chan<- Event) (RunResult, error) {
	scanner := bufio.NewScanner(stdout)
	// Tool results can carry large file contents on one line.
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	result := RunResult{Meta: RunMeta{Provider: req.Provider, Model: req.Model}}
	done := false

	for scanner.Scan() {
		if ctx.Err() != nil {
			return RunResult{}, ctx.Err()
		}
		raw := scanner.Bytes()
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		var line streamLine
		if err := json.Unmarshal(raw, &line); err != nil {
			continue // non-protocol noise on stdout
		}

		switch line.Type {
		case "system":
			if line.Subtype == "init" && line.SessionID != "" && line.SessionID != req.SessionID {
				result.Meta.SessionID = line.SessionID
			}
		case "assistant":
			for _, block := range blockTexts(&line) {
				events <- Event{Kind: EventBlockReply, RunID: req.RunID, Payload: Payload{Text: block}}
			}
		case "result":
			done = true
			if line.IsError {
				return RunResult{}, fmt.Errorf("agent run failed: %s", line.Result)
			}
			if line.Result != "" {
				result.Payloads = []Payload{{Text: line.Result}}
			}
			if line.Usage != nil {
				result.Meta.Usage = Usage{
					InputTokens:  line.Usage.InputTokens,
					OutputTokens: line.Usage.OutputTokens,
					PromptTokens: line.Usage.InputTokens + line.Usage.CacheReadInputTokens + line.Usage.CacheCreationInputTokens,
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return RunResult{}, fmt.Errorf("read agent stream: %w", err)
	}
	if !done {
		return RunResult{}, fmt.Errorf("agent exited without a result")
	}
	return result, nil
}

func blockTexts(line *streamLine) []string {
	if line.Message == nil {
		return nil
	}
	var texts []string
	for _, c := range line.Message.Content {
		if c.Type == "text" && strings.TrimSpace(c.Text) != "" {
			texts = append(texts, c.Text)
		}
	}
	return texts
}

func writeUserMessage(w io.Writer, text string) error {
	frame := map[string]any{
		"type": "user",
		"message": map[string]any{
			"role": "user",
			"content": []map[string]string{
				{"type": "text", "text": text},
			},
		},
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}
