// Package traceloom is a client for the traceloom read API. It gives Go
// programs typed access to the daemon's live state: the KPI aggregate,
// individual traces, and full log replay.
//
// Usage:
//
//	tl := traceloom.New("http://127.0.0.1:7410")
//	kpi, err := tl.KPI(ctx)
//	tr, err := tl.Trace(ctx, "deploy-api-7f3")
//
// External users import github.com/ppiankov/traceloom/sdk/go/traceloom.
package traceloom
