package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/robertkrimen/otto"

	"github.com/ricsam/isolated/internal/fetchdriver"
	"github.com/ricsam/isolated/internal/marshal"
	"github.com/ricsam/isolated/internal/stream"
)

// RegisterFetch installs the guest fetch() global using the
// sync-wait-on-Promise discipline from spec.md §4.3: the host issues the
// real network call synchronously on the calling goroutine (the goroutine
// running the guest's Run/Call, which keeps holding the isolate's lock until
// fetch returns), then hands back a Response wrapping a live body stream.
func RegisterFetch(vm *otto.Otto, driver *fetchdriver.Driver, store *marshal.Store, mats *marshal.Materializers) error {
	return vm.Set("fetch", func(call otto.FunctionCall) otto.Value {
		req, err := requestFromArgs(call)
		if err != nil {
			panic(call.Otto.MakeTypeError(err.Error()))
		}

		resp, err := driver.Do(context.Background(), req)
		if err != nil {
			panic(call.Otto.MakeCustomError("TypeError", err.Error()))
		}

		bodySess := stream.NewSession(1 << 20)
		go pumpHTTPBody(resp, bodySess)

		state := &ResponseState{
			Status:     resp.Status,
			StatusText: resp.StatusText,
			Headers:    NewHeadersFromPairs(flattenHeaderPairs(resp.Headers)),
			Body:       bodySess,
		}
		rec := store.New(classResponse, state)
		v, err := materializeResponse(call.Otto, store, mats, rec.ID, state)
		if err != nil {
			panic(call.Otto.MakeCustomError("Error", err.Error()))
		}
		return v
	})
}

// requestFromArgs builds a fetchdriver.Request from fetch(input, init),
// where input may be a URL string or a guest Request instance.
func requestFromArgs(call otto.FunctionCall) (*fetchdriver.Request, error) {
	req := &fetchdriver.Request{Method: "GET", Headers: map[string][]string{}}

	input := call.Argument(0)
	switch {
	case input.IsString():
		req.URL, _ = input.ToString()
	case input.IsObject():
		if m, err := input.Object().Get("url"); err == nil && m.IsString() {
			req.URL, _ = m.ToString()
		}
		if m, err := input.Object().Get("method"); err == nil && m.IsString() {
			req.Method, _ = m.ToString()
		}
	default:
		return nil, fmt.Errorf("fetch: first argument must be a URL or Request")
	}

	if init := call.Argument(1); init.IsObject() {
		obj := init.Object()
		if m, err := obj.Get("method"); err == nil && m.IsString() {
			req.Method, _ = m.ToString()
		}
		if h, err := obj.Get("headers"); err == nil && h.IsObject() {
			if hv, err := marshal.ToHost(h); err == nil {
				if mrec, ok := hv.(map[string]any); ok {
					for k, v := range mrec {
						if s, ok := v.(string); ok {
							req.Headers[k] = []string{s}
						}
					}
				}
			}
		}
	}

	if req.URL == "" {
		return nil, fmt.Errorf("fetch: missing URL")
	}
	if _, err := fetchdriver.ParseURL(req.URL); err != nil {
		return nil, err
	}
	return req, nil
}

func flattenHeaderPairs(h map[string][]string) [][2]string {
	out := make([][2]string, 0, len(h))
	for k, vs := range h {
		for _, v := range vs {
			out = append(out, [2]string{k, v})
		}
	}
	return out
}

// pumpHTTPBody forwards resp's body to sess one read-buffer at a time
// without reassembling or re-chunking — this is the "external-fetch
// passthrough" half of spec.md §4.4: chunk boundaries here are just the
// underlying TCP/TLS read sizes, not re-batched, so a guest tee() over this
// stream still preserves arrival timing.
func pumpHTTPBody(resp *fetchdriver.Response, sess *stream.Session) {
	defer resp.Body.Close()
	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if werr := sess.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				sess.End(stream.EndNormal, nil)
			} else {
				sess.End(stream.EndError, err)
			}
			return
		}
	}
}
