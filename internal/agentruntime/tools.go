package agentruntime

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/marcus-qen/conductor/internal/provider"
)

// ToolContext carries the per-invocation data a tool handler needs to act
// inside a worktree (spec.md §4.7's "execution context").
type ToolContext struct {
	RunID        string
	InvocationID string
	ProjectID    string
	WorktreePath string
}

// ToolHandler executes one tool call and returns its textual result. A
// non-nil err is treated as an unexpected failure (agent_error-class);
// expected tool-level failures should be reported via the isError return
// instead, matching how the provider's ToolResult.IsError distinguishes
// "the tool ran and reported a failure" from "the tool couldn't run".
type ToolHandler func(ctx context.Context, tc ToolContext, args map[string]any) (content string, isError bool, err error)

// Tool is one entry in a registry: a name, description, JSON-schema
// parameter shape, and handler.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
	Handler     ToolHandler
}

// Registry is an ordered set of tools available to one agent invocation.
type Registry struct {
	order []string
	tools map[string]Tool
}

// NewRegistry builds a Registry from an explicit tool list, preserving
// definition order (the order surfaced to the provider).
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		if _, exists := r.tools[t.Name]; exists {
			continue
		}
		r.order = append(r.order, t.Name)
		r.tools[t.Name] = t
	}
	return r
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	if r == nil {
		return Tool{}, false
	}
	t, ok := r.tools[name]
	return t, ok
}

// Definitions renders the registry as provider.ToolDefinition values, the
// shape a Complete call sends to the model.
func (r *Registry) Definitions() []provider.ToolDefinition {
	if r == nil {
		return nil
	}
	out := make([]provider.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		out = append(out, provider.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.InputSchema,
		})
	}
	return out
}

// --- built-in worktree tools ---
//
// These cover the minimal set a planner/implementer/reviewer agent needs to
// inspect and modify a checked-out worktree. Path arguments are resolved
// relative to ToolContext.WorktreePath; the worktree_boundary and
// dotgit_protection policy rules (internal/policy) are the actual
// enforcement point, evaluated before any of these handlers run.

type readFileInput struct {
	Path string `json:"path" jsonschema:"file path relative to the worktree root"`
}

type writeFileInput struct {
	Path    string `json:"path" jsonschema:"file path relative to the worktree root"`
	Content string `json:"content" jsonschema:"full file content to write"`
}

type listDirectoryInput struct {
	Path string `json:"path,omitempty" jsonschema:"directory path relative to the worktree root; defaults to the root"`
}

type runShellCommandInput struct {
	Command        string `json:"command" jsonschema:"shell command to run inside the worktree"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" jsonschema:"command timeout in seconds; defaults to 120"`
}

type gitDiffInput struct {
	Path string `json:"path,omitempty" jsonschema:"limit the diff to this path relative to the worktree root"`
}

// BuiltinTools returns the standard worktree-scoped tool set.
func BuiltinTools() []Tool {
	return []Tool{
		{
			Name:        "read_file",
			Description: "Read the contents of a file in the worktree.",
			InputSchema: BuildSchema(readFileInput{}),
			Handler:     handleReadFile,
		},
		{
			Name:        "write_file",
			Description: "Write (overwriting) a file in the worktree.",
			InputSchema: BuildSchema(writeFileInput{}),
			Handler:     handleWriteFile,
		},
		{
			Name:        "list_directory",
			Description: "List the entries of a directory in the worktree.",
			InputSchema: BuildSchema(listDirectoryInput{}),
			Handler:     handleListDirectory,
		},
		{
			Name:        "run_shell_command",
			Description: "Run a shell command with the worktree as its working directory.",
			InputSchema: BuildSchema(runShellCommandInput{}),
			Handler:     handleRunShellCommand,
		},
		{
			Name:        "git_diff",
			Description: "Show the unstaged+staged git diff for the worktree, optionally scoped to one path.",
			InputSchema: BuildSchema(gitDiffInput{}),
			Handler:     handleGitDiff,
		},
	}
}

// resolvePath joins a tool-supplied relative path onto the worktree root.
// Boundary escape (".." or absolute paths outside the worktree) is rejected
// by the worktree_boundary policy rule before a handler is invoked; this is
// a second, defense-in-depth check for direct callers that bypass policy
// (e.g. package tests).
func resolvePath(worktree, rel string) (string, error) {
	if rel == "" {
		return worktree, nil
	}
	joined := rel
	if !filepath.IsAbs(joined) {
		joined = filepath.Join(worktree, rel)
	}
	joined = filepath.Clean(joined)
	boundary := filepath.Clean(worktree)
	if joined != boundary && !strings.HasPrefix(joined, boundary+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q resolves outside the worktree", rel)
	}
	return joined, nil
}

func handleReadFile(_ context.Context, tc ToolContext, args map[string]any) (string, bool, error) {
	path, _ := args["path"].(string)
	full, err := resolvePath(tc.WorktreePath, path)
	if err != nil {
		return err.Error(), true, nil
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return fmt.Sprintf("read %s: %v", path, err), true, nil
	}
	return string(data), false, nil
}

func handleWriteFile(_ context.Context, tc ToolContext, args map[string]any) (string, bool, error) {
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)
	full, err := resolvePath(tc.WorktreePath, path)
	if err != nil {
		return err.Error(), true, nil
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Sprintf("write %s: %v", path, err), true, nil
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return fmt.Sprintf("write %s: %v", path, err), true, nil
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(content), path), false, nil
}

func handleListDirectory(_ context.Context, tc ToolContext, args map[string]any) (string, bool, error) {
	path, _ := args["path"].(string)
	full, err := resolvePath(tc.WorktreePath, path)
	if err != nil {
		return err.Error(), true, nil
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		return fmt.Sprintf("list %s: %v", path, err), true, nil
	}
	var sb strings.Builder
	for _, e := range entries {
		if e.IsDir() {
			sb.WriteString(e.Name() + "/\n")
		} else {
			sb.WriteString(e.Name() + "\n")
		}
	}
	return sb.String(), false, nil
}

func handleRunShellCommand(ctx context.Context, tc ToolContext, args map[string]any) (string, bool, error) {
	command, _ := args["command"].(string)
	if command == "" {
		return "command is required", true, nil
	}
	timeout := 120
	if v, ok := args["timeout_seconds"].(float64); ok && v > 0 {
		timeout = int(v)
	}

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = tc.WorktreePath
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Sprintf("%s\nexit error: %v", out, err), true, nil
	}
	return string(out), false, nil
}

func handleGitDiff(ctx context.Context, tc ToolContext, args map[string]any) (string, bool, error) {
	path, _ := args["path"].(string)
	gitArgs := []string{"diff", "HEAD"}
	if path != "" {
		gitArgs = append(gitArgs, "--", path)
	}
	cmd := exec.CommandContext(ctx, "git", gitArgs...)
	cmd.Dir = tc.WorktreePath
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Sprintf("%s\ngit diff error: %v", out, err), true, nil
	}
	return string(out), false, nil
}
