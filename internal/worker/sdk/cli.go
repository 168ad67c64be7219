package sdk

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/infrastructure/logging"
)

// CLIClient drives the Claude Code CLI as the agent runtime, speaking
// stream-json on both stdin and stdout. Permission prompts arrive as
// control_request lines and are answered with control_response lines, so a
// pending approval suspends one tool call while the rest of the stream
// keeps flowing.
type CLIClient struct {
	Bin    string // defaults to "claude"
	Logger *logging.Logger

	cmd      *exec.Cmd
	stdin    io.WriteCloser
	messages chan Message

	writeMu sync.Mutex

	mu  sync.Mutex
	err error
}

// NewCLIClient creates an unstarted CLI client.
func NewCLIClient(logger *logging.Logger) *CLIClient {
	return &CLIClient{Bin: "claude", Logger: logger}
}

// controlRequest is a permission prompt from the CLI.
type controlRequest struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Request   struct {
		Subtype               string          `json:"subtype"`
		ToolName              string          `json:"tool_name"`
		Input                 json.RawMessage `json:"input"`
		PermissionSuggestions json.RawMessage `json:"permission_suggestions"`
	} `json:"request"`
}

// Start spawns the CLI and begins relaying its output. Cancelling ctx kills
// the process.
func (c *CLIClient) Start(ctx context.Context, opts Options) error {
	args := []string{
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--include-partial-messages",
		"--verbose",
		"--permission-prompt-tool", "stream",
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.MaxBudgetUSD > 0 {
		args = append(args, "--max-budget-usd", strconv.FormatFloat(opts.MaxBudgetUSD, 'f', -1, 64))
	}
	if opts.ResumeConversationID != "" {
		args = append(args, "--resume", opts.ResumeConversationID)
	}

	bin := c.Bin
	if bin == "" {
		bin = "claude"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = opts.ProjectPath

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("worker sdk: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("worker sdk: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("worker sdk: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("worker sdk: start %s: %w", bin, err)
	}

	c.cmd = cmd
	c.stdin = stdin
	c.messages = make(chan Message, 64)

	go c.relayStderr(stderr)
	go c.readLoop(ctx, stdout, opts.CanUseTool)

	return nil
}

// Send writes one user turn to the CLI.
func (c *CLIClient) Send(prompt string) error {
	turn := map[string]any{
		"type": "user",
		"message": map[string]any{
			"role": "user",
			"content": []map[string]any{
				{"type": "text", "text": prompt},
			},
		},
	}
	return c.writeLine(turn)
}

// Close ends the input stream; the CLI exits after finishing the current
// turn.
func (c *CLIClient) Close() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.stdin == nil {
		return nil
	}
	err := c.stdin.Close()
	c.stdin = nil
	return err
}

// Messages returns the runtime's ordered message stream.
func (c *CLIClient) Messages() <-chan Message { return c.messages }

// Err reports the terminal error once Messages has closed.
func (c *CLIClient) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *CLIClient) readLoop(ctx context.Context, stdout io.Reader, canUseTool PermissionFunc) {
	defer close(c.messages)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var probe struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(line, &probe); err != nil {
			c.Logger.Warn("unparseable runtime line", zap.Error(err))
			continue
		}

		if probe.Type == "control_request" {
			var req controlRequest
			if err := json.Unmarshal(line, &req); err != nil {
				c.Logger.Warn("unparseable control_request", zap.Error(err))
				continue
			}
			// Answer asynchronously: only this tool call waits.
			go c.answerControlRequest(ctx, req, canUseTool)
			continue
		}
		if probe.Type == "control_response" {
			continue
		}

		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			c.Logger.Warn("unparseable runtime message", zap.Error(err))
			continue
		}

		select {
		case c.messages <- msg:
		case <-ctx.Done():
			c.setErr(ctx.Err())
			return
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		c.setErr(fmt.Errorf("worker sdk: read runtime output: %w", err))
	}

	if err := c.cmd.Wait(); err != nil && ctx.Err() == nil {
		c.setErr(fmt.Errorf("worker sdk: runtime exited: %w", err))
	}
	if ctx.Err() != nil {
		// Reap without turning cancellation into a failure.
		c.setErr(ctx.Err())
	}
}

func (c *CLIClient) answerControlRequest(ctx context.Context, req controlRequest, canUseTool PermissionFunc) {
	behavior := "deny"
	var updated json.RawMessage

	if canUseTool != nil {
		decision, err := canUseTool(ctx, PermissionRequest{
			ToolName:    req.Request.ToolName,
			Input:       req.Request.Input,
			Suggestions: req.Request.PermissionSuggestions,
		})
		if err == nil && decision.Allowed {
			behavior = "allow"
			updated = decision.UpdatedPermissions
		}
	}

	response := map[string]any{
		"behavior": behavior,
	}
	if behavior == "allow" {
		// Allow responses echo the original input back to the runtime.
		response["updatedInput"] = req.Request.Input
		if len(updated) > 0 {
			response["updatedPermissions"] = updated
		}
	} else {
		response["message"] = "denied by operator"
	}

	envelope := map[string]any{
		"type": "control_response",
		"response": map[string]any{
			"subtype":    "success",
			"request_id": req.RequestID,
			"response":   response,
		},
	}
	if err := c.writeLine(envelope); err != nil {
		c.Logger.Warn("control_response write failed", zap.String("request_id", req.RequestID), zap.Error(err))
	}
}

func (c *CLIClient) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("worker sdk: encode input line: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.stdin == nil {
		return fmt.Errorf("worker sdk: input already closed")
	}
	if _, err := c.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("worker sdk: write input line: %w", err)
	}
	return nil
}

func (c *CLIClient) relayStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			c.Logger.Debug("runtime stderr", zap.String("line", line))
		}
	}
}

func (c *CLIClient) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
	}
}
