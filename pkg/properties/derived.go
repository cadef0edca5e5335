package properties

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.starlark.net/starlark"
)

// ExpressionEvaluator evaluates derived attribute expressions with Starlark.
// Expressions see the unit's resolved values as the dict "props".
type ExpressionEvaluator struct {
	timeout time.Duration
}

// NewExpressionEvaluator creates an evaluator. A zero timeout defaults to 5 seconds.
func NewExpressionEvaluator(timeout time.Duration) *ExpressionEvaluator {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &ExpressionEvaluator{timeout: timeout}
}

// Eval evaluates expr and converts the result to its property string form.
func (e *ExpressionEvaluator) Eval(ctx context.Context, expr string, props map[string]string) (string, error) {
	evalCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name:  "derived-attribute",
		Print: func(_ *starlark.Thread, _ string) {},
	}

	dict := starlark.NewDict(len(props))
	for k, v := range props {
		if err := dict.SetKey(starlark.String(k), starlark.String(v)); err != nil {
			return "", fmt.Errorf("failed to build props: %w", err)
		}
	}
	dict.Freeze()
	env := starlark.StringDict{"props": dict}

	type outcome struct {
		value starlark.Value
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := starlark.Eval(thread, "attribute", expr, env)
		done <- outcome{value: v, err: err}
	}()

	select {
	case <-evalCtx.Done():
		thread.Cancel(evalCtx.Err().Error())
		<-done
		return "", fmt.Errorf("expression evaluation aborted: %w", evalCtx.Err())
	case res := <-done:
		if res.err != nil {
			return "", fmt.Errorf("expression evaluation failed: %w", res.err)
		}
		return toPropertyString(res.value)
	}
}

func toPropertyString(v starlark.Value) (string, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return "", nil
	case starlark.String:
		return val.GoString(), nil
	case starlark.Bool:
		return strconv.FormatBool(bool(val)), nil
	case starlark.Int:
		return val.String(), nil
	case starlark.Float:
		return strconv.FormatFloat(float64(val), 'g', -1, 64), nil
	default:
		return "", fmt.Errorf("expression produced unsupported type %s", v.Type())
	}
}
