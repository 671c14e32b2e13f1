// Package handlers implements the HTTP API surface.
package handlers

import (
	"net/http"

	"github.com/forgefab/conductor/internal/auth"
	"github.com/forgefab/conductor/internal/config"
	"github.com/forgefab/conductor/internal/execution"
	"github.com/forgefab/conductor/internal/handshake"
	"github.com/forgefab/conductor/internal/orchestrator"
	"github.com/forgefab/conductor/internal/queue"
	"github.com/forgefab/conductor/internal/refstore"
	"github.com/forgefab/conductor/internal/requestctx"
	"github.com/forgefab/conductor/internal/resource"
	"github.com/forgefab/conductor/internal/template"
)

type HandlerFunc func(http.ResponseWriter, *http.Request)

// Handlers bundles the services behind the HTTP API.
type Handlers struct {
	cfg        *config.Config
	orch       *orchestrator.Orchestrator
	store      *execution.Store
	tracker    *execution.Tracker
	queue      *queue.Manager
	ledger     *resource.Ledger
	registry   *template.Registry
	handshakes *handshake.Service
	refs       *refstore.Store
}

func New(cfg *config.Config, orch *orchestrator.Orchestrator, store *execution.Store, tracker *execution.Tracker, q *queue.Manager, ledger *resource.Ledger, registry *template.Registry, handshakes *handshake.Service, refs *refstore.Store) *Handlers {
	return &Handlers{
		cfg:        cfg,
		orch:       orch,
		store:      store,
		tracker:    tracker,
		queue:      q,
		ledger:     ledger,
		registry:   registry,
		handshakes: handshakes,
		refs:       refs,
	}
}

// identity returns the authenticated caller attached by the auth
// middleware. Routes behind the middleware always have one.
func identity(r *http.Request) auth.Identity {
	id, _ := requestctx.IdentityFrom(r.Context())
	return id
}

// canAccessExecution reports whether the caller may read an execution:
// its owner, or an admin.
func canAccessExecution(id auth.Identity, e *execution.Execution) bool {
	return id.Admin || id.ID == e.ClientID
}
