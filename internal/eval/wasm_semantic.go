package eval

import (
	"context"
	"math"

	"github.com/penserai/acteon/internal/ir"
)

// evalWasmCall evaluates a WasmCall node as a boolean condition, serializing
// the action as the plugin's input payload.
func evalWasmCall(goCtx context.Context, plugin, function string, ctx *Context) (ir.Value, error) {
	if ctx.Wasm == nil {
		return ir.Null, &ir.EvaluationError{Message: "WASM plugin '" + plugin + "' called but no WASM runtime configured"}
	}
	if ctx.WasmCounters != nil {
		ctx.WasmCounters.RecordInvocation()
	}
	verdict, err := ctx.Wasm.Invoke(goCtx, plugin, function, ctx.Action.ToValueMap())
	if err != nil {
		if ctx.WasmCounters != nil {
			ctx.WasmCounters.RecordError()
		}
		return ir.Null, &ir.EvaluationError{Message: "WASM plugin '" + plugin + "' error: " + err.Error()}
	}
	return ir.Bool(verdict), nil
}

// evalSemanticMatch evaluates a SemanticMatch node: embeds the configured
// text field (or the action payload as a whole) and compares it against
// the topic's cached embedding via cosine similarity.
func evalSemanticMatch(goCtx context.Context, topic string, threshold float64, textField *string, ctx *Context) (ir.Value, error) {
	if ctx.Embeddings == nil {
		return ir.Null, &ir.EvaluationError{Message: "semantic_match requires a configured embedding provider"}
	}

	text, err := resolveSemanticText(goCtx, textField, ctx)
	if err != nil {
		return ir.Null, err
	}

	textEmb, err := ctx.Embeddings.Embed(goCtx, text)
	if err != nil {
		return ir.Null, &ir.EvaluationError{Message: "semantic_match: embed failed: " + err.Error()}
	}
	topicEmb, err := ctx.Embeddings.TopicEmbedding(goCtx, topic)
	if err != nil {
		return ir.Null, &ir.EvaluationError{Message: "semantic_match: topic embedding failed: " + err.Error()}
	}

	sim := cosineSimilarity(textEmb, topicEmb)
	return ir.Bool(sim >= threshold), nil
}

func resolveSemanticText(goCtx context.Context, textField *string, ctx *Context) (string, error) {
	if textField == nil {
		v, _ := ctx.resolvedAction().Field("payload")
		return v.String_(), nil
	}
	base := ctx.resolvedAction()
	cur := base
	for _, part := range splitDotPath(*textField) {
		next, err := cur.Field(part)
		if err != nil {
			return "", err
		}
		cur = next
	}
	return cur.String_(), nil
}

func splitDotPath(path string) []string {
	var out []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			out = append(out, path[start:i])
			start = i + 1
		}
	}
	out = append(out, path[start:])
	return out
}

func cosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
