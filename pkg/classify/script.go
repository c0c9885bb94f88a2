package classify

import (
	"context"
	"fmt"

	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/log"
)

// ScriptRunner is the part of scripting.Engine the classifier needs.
type ScriptRunner interface {
	ExecuteFunction(ctx context.Context, funcName string, args ...interface{}) (interface{}, error)
}

// ScriptFamily asks a script function for extra category weights. The
// function receives the lowercased query and returns a table of
// category name to weight. Non-positive weights and unknown categories are
// ignored, so a script can only add evidence.
type ScriptFamily struct {
	Runner   ScriptRunner
	Function string
}

// Name implements Family.
func (s ScriptFamily) Name() string {
	return FamilyScript
}

// Evaluate implements Family. Script errors are logged and contribute nothing.
func (s ScriptFamily) Evaluate(ctx context.Context, q Query) []Evidence {
	out, err := s.Runner.ExecuteFunction(ctx, s.Function, q.Lower)
	if err != nil {
		log.WarnContext(ctx, "Classifier script failed", "function", s.Function, "error", err)
		return nil
	}

	table, ok := out.(map[string]interface{})
	if !ok {
		if out != nil {
			log.WarnContext(ctx, "Classifier script returned unexpected type", "function", s.Function, "type", fmt.Sprintf("%T", out))
		}
		return nil
	}

	var evidence []Evidence
	for name, raw := range table {
		cat, err := ParseCategory(name)
		if err != nil {
			continue
		}
		w, ok := raw.(float64)
		if !ok || w <= 0 {
			continue
		}
		evidence = append(evidence, Evidence{
			Family:   FamilyScript,
			Rule:     s.Function,
			Category: cat,
			Hits:     1,
			Weight:   clamp01(w),
		})
	}
	return evidence
}
