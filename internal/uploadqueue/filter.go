package uploadqueue

import (
	"strings"
	"time"

	"github.com/google/cel-go/cel"
)

// ItemFilter wraps a compiled CEL program evaluated against queue items,
// used by ClearQueue and the CLI list command. When disabled, Match always
// returns true.
//
// Exposed variables: id, batch_id, file_name, content_type, status, error,
// task_id (strings); progress, size, retry_count, age_ms, now_ms (ints);
// terminal (bool).
type ItemFilter struct {
	prog    cel.Program
	enabled bool
}

// CompileFilter builds an ItemFilter from expr. An empty expression yields
// a disabled filter that matches everything.
func CompileFilter(expr string) (ItemFilter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return ItemFilter{enabled: false}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("id", cel.StringType),
		cel.Variable("batch_id", cel.StringType),
		cel.Variable("file_name", cel.StringType),
		cel.Variable("content_type", cel.StringType),
		cel.Variable("status", cel.StringType),
		cel.Variable("error", cel.StringType),
		cel.Variable("task_id", cel.StringType),
		cel.Variable("progress", cel.IntType),
		cel.Variable("size", cel.IntType),
		cel.Variable("retry_count", cel.IntType),
		cel.Variable("age_ms", cel.IntType),
		cel.Variable("now_ms", cel.IntType),
		cel.Variable("terminal", cel.BoolType),
	)
	if err != nil {
		return ItemFilter{}, err
	}
	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return ItemFilter{}, iss.Err()
	}
	checked, iss2 := env.Check(ast)
	if iss2 != nil && iss2.Err() != nil {
		return ItemFilter{}, iss2.Err()
	}
	prog, err := env.Program(checked)
	if err != nil {
		return ItemFilter{}, err
	}
	return ItemFilter{prog: prog, enabled: true}, nil
}

// Match evaluates the expression against one item. Evaluation errors count
// as no match.
func (f ItemFilter) Match(it *Item) bool {
	if !f.enabled {
		return true
	}
	now := time.Now()
	out, _, err := f.prog.Eval(map[string]any{
		"id":           it.ID,
		"batch_id":     it.BatchID,
		"file_name":    it.FileName,
		"content_type": it.ContentType,
		"status":       string(it.Status),
		"error":        it.Error,
		"task_id":      it.TaskID,
		"progress":     int64(it.Progress),
		"size":         it.FileSize,
		"retry_count":  int64(it.RetryCount),
		"age_ms":       now.Sub(it.CreatedAt).Milliseconds(),
		"now_ms":       now.UnixMilli(),
		"terminal":     it.Status.Terminal(),
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
