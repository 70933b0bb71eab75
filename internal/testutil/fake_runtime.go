// Package testutil provides configurable test fakes for runtime interfaces.
package testutil

import (
	"context"
	"encoding/json"

	connector "github.com/andersh/bifrost/internal"
	"github.com/andersh/bifrost/internal/executor"
)

// FakeRuntime is a configurable server.Runtime for testing.
type FakeRuntime struct {
	ExecuteFn          func(ctx context.Context, req executor.Request) *executor.Response
	ExecutePaginatedFn func(ctx context.Context, req executor.Request, maxPages int) *executor.PagedResponse
	TestConnectionFn   func(ctx context.Context, appID string, creds connector.Credentials) *executor.Response

	// Calls records every request seen, in order.
	Calls []executor.Request
}

// Execute delegates to ExecuteFn or returns a canned success.
func (f *FakeRuntime) Execute(ctx context.Context, req executor.Request) *executor.Response {
	f.Calls = append(f.Calls, req)
	if f.ExecuteFn != nil {
		return f.ExecuteFn(ctx, req)
	}
	return &executor.Response{Success: true, Data: json.RawMessage(`{"ok":true}`), Attempts: 1}
}

// ExecutePaginated delegates to ExecutePaginatedFn or returns one empty page.
func (f *FakeRuntime) ExecutePaginated(ctx context.Context, req executor.Request, maxPages int) *executor.PagedResponse {
	f.Calls = append(f.Calls, req)
	if f.ExecutePaginatedFn != nil {
		return f.ExecutePaginatedFn(ctx, req, maxPages)
	}
	return &executor.PagedResponse{Success: true, Items: []json.RawMessage{}, Pages: 1}
}

// TestConnection delegates to TestConnectionFn or reports ready.
func (f *FakeRuntime) TestConnection(ctx context.Context, appID string, creds connector.Credentials) *executor.Response {
	f.Calls = append(f.Calls, executor.Request{AppID: appID, Credentials: creds})
	if f.TestConnectionFn != nil {
		return f.TestConnectionFn(ctx, appID, creds)
	}
	return &executor.Response{Success: true, Data: json.RawMessage(`{"status":"ready"}`)}
}
