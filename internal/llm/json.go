package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/normanking/athena/internal/repair"
)

// ErrNotJSON is returned by InvokeJSON when the reply holds no JSON object.
var ErrNotJSON = errors.New("reply is not a JSON object")

// InvokeJSON runs a structured request and salvages a JSON object from the
// reply. Used for small utility completions such as SKU matching and
// entity extraction.
func InvokeJSON(ctx context.Context, p Provider, req *Request) (map[string]interface{}, error) {
	if p == nil || !p.Available() {
		return nil, ErrNotConfigured
	}
	req.Structured = true
	raw, err := p.Invoke(ctx, req)
	if err != nil {
		return nil, err
	}
	obj, ok := repair.SalvageObject(raw)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotJSON, repair.Truncate(raw, 120))
	}
	return obj, nil
}
