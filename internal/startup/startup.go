// Package startup implements the daemon's startup task (spec.md §4.8,
// component C8): on daemon start, enumerate clients with pending boot
// actions for the local depot and drive the update pipeline (C5) for
// each. Grounded on the teacher's internal/mcp.Manager.ConnectAll — a
// best-effort fan-out where per-item failures are logged, not fatal,
// and the overall task still completes.
package startup

import (
	"context"

	"github.com/opsiorg/opsipxeconfd/internal/secret"
	"github.com/opsiorg/opsipxeconfd/internal/serviceclient"
	"github.com/opsiorg/opsipxeconfd/internal/update"
)

// Service is the subset of the service client the startup task needs.
type Service interface {
	ClientIDsForDepot(ctx context.Context, depotID string) ([]string, error)
	NetbootActions(ctx context.Context, clientIDs, actionRequests []string) ([]serviceclient.ProductOnClient, error)
}

// Task runs once per daemon lifetime; Run is called from a dedicated
// goroutine and joined during shutdown via Stop/Done.
type Task struct {
	svc      Service
	pipeline *update.Pipeline
	depotID  string

	stopCh chan struct{}
	done   chan struct{}
}

// New constructs a startup task for the given depot.
func New(svc Service, pipeline *update.Pipeline, depotID string) *Task {
	return &Task{
		svc:      svc,
		pipeline: pipeline,
		depotID:  depotID,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run enumerates pending clients and drives the update pipeline for
// each, observing the stop flag between iterations (spec.md §4.8 step
// 4). It closes Done() when finished, whether it ran to completion or
// was stopped early.
func (t *Task) Run(ctx context.Context) {
	defer close(t.done)

	clientIDs, err := t.svc.ClientIDsForDepot(ctx, t.depotID)
	if err != nil {
		secret.Logf("[Startup] list clients for depot %q: %v", t.depotID, err)
		return
	}
	if len(clientIDs) == 0 {
		return
	}

	pending, err := t.svc.NetbootActions(ctx, clientIDs, serviceclient.ActionRequests)
	if err != nil {
		secret.Logf("[Startup] list pending netboot actions: %v", err)
		return
	}

	seen := make(map[string]bool, len(pending))
	var ordered []string
	for _, poc := range pending {
		if poc.ClientID == "" || seen[poc.ClientID] {
			continue
		}
		seen[poc.ClientID] = true
		ordered = append(ordered, poc.ClientID)
	}

	for _, clientID := range ordered {
		select {
		case <-t.stopCh:
			return
		default:
		}

		if _, err := t.pipeline.Run(ctx, clientID); err != nil {
			secret.Logf("[Startup] update %q: %v", clientID, err)
		}
	}
}

// Stop requests that Run return at the next iteration boundary. Safe to
// call more than once.
func (t *Task) Stop() {
	select {
	case <-t.stopCh:
	default:
		close(t.stopCh)
	}
}

// Done reports when Run has returned.
func (t *Task) Done() <-chan struct{} {
	return t.done
}
