package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/openfroyo/deployer/pkg/engine"
)

// Router sends each request to the dispatcher that can run it. Remote units go to
// Remote unless the request is forced local. Local requests for a .wasm command go
// to Wasm, everything else to Local.
type Router struct {
	Scripts Scripts
	Local   engine.Dispatcher
	Remote  engine.Dispatcher
	Wasm    engine.Dispatcher
}

var _ engine.Dispatcher = (*Router)(nil)

// Dispatch implements engine.Dispatcher.
func (r *Router) Dispatch(ctx context.Context, req *engine.DispatchRequest) (*engine.DispatchResult, error) {
	d, err := r.route(req)
	if err != nil {
		return nil, err
	}
	return d.Dispatch(ctx, req)
}

func (r *Router) route(req *engine.DispatchRequest) (engine.Dispatcher, error) {
	if !req.Local {
		if r.Remote == nil {
			return nil, fmt.Errorf("unit %s is remote and no remote dispatcher is configured", req.Unit.ID)
		}
		return r.Remote, nil
	}

	script, err := r.Scripts.resolveRequest(req.Unit, req.Command)
	if err != nil {
		return nil, err
	}
	if script.Kind == KindWasm {
		if r.Wasm == nil {
			return nil, fmt.Errorf("unit %s %s needs the WebAssembly runtime, which is not configured", req.Unit.ID, req.Command)
		}
		return r.Wasm, nil
	}
	if r.Local == nil {
		return nil, fmt.Errorf("no local dispatcher is configured")
	}
	return r.Local, nil
}

type closer interface {
	Close(ctx context.Context) error
}

// Close closes every dispatcher that holds resources.
func (r *Router) Close(ctx context.Context) error {
	var errs []error
	for _, d := range []engine.Dispatcher{r.Local, r.Remote, r.Wasm} {
		if c, ok := d.(closer); ok {
			if err := c.Close(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
