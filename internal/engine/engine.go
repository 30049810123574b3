// Package engine wires the protocol, orchestration, task, and storage
// layers into the single object cmd/acmeclientd and the management API
// depend on. It is the glue the teacher's cmd/main.go and service.go
// provided directly; here it is its own package so both the CLI and the
// HTTP surface can share one instance.
package engine

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/shibukawa/acmeclient/internal/acme"
	"github.com/shibukawa/acmeclient/internal/acmeerr"
	"github.com/shibukawa/acmeclient/internal/account"
	"github.com/shibukawa/acmeclient/internal/certbundle"
	"github.com/shibukawa/acmeclient/internal/logger"
	"github.com/shibukawa/acmeclient/internal/orchestrator"
	"github.com/shibukawa/acmeclient/internal/scheduler"
	"github.com/shibukawa/acmeclient/internal/solver"
	"github.com/shibukawa/acmeclient/internal/storage"
	"github.com/shibukawa/acmeclient/internal/task"
)

// Engine is the process-wide object gluing every core component
// together (spec.md §2's data-flow diagram, made concrete).
type Engine struct {
	Client       *acme.Client
	Account      *account.Manager
	Orchestrator *orchestrator.Orchestrator
	Tracker      *task.Tracker
	Scheduler    *scheduler.Scheduler
	Store        storage.Store
	Registry     *solver.Registry

	logger *logger.Logger
}

// New assembles an Engine from its already-constructed parts. Callers
// (cmd/acmeclientd) are responsible for wiring the directory cache, nonce
// pool, solver registrations, and storage backend first.
func New(client *acme.Client, acct *account.Manager, orch *orchestrator.Orchestrator, tracker *task.Tracker, sched *scheduler.Scheduler, store storage.Store, registry *solver.Registry, log *logger.Logger) *Engine {
	return &Engine{
		Client:       client,
		Account:      acct,
		Orchestrator: orch,
		Tracker:      tracker,
		Scheduler:    sched,
		Store:        store,
		Registry:     registry,
		logger:       log.WithComponent("engine"),
	}
}

// SubmitProvision implements management.Orchestrators.SubmitProvision: it
// enqueues a Task Tracker job that drives one full orchestration run and
// persists the resulting bundle.
func (e *Engine) SubmitProvision(domains []string) (string, error) {
	return e.Tracker.Submit(task.Job{
		Kind: task.KindProvision,
		Run: func(ctx context.Context, progress func(string)) (any, error) {
			bundle, err := e.Orchestrator.Run(ctx, domains, progress)
			if err != nil {
				return nil, err
			}
			fp := storage.Fingerprint(domains)
			meta := storage.CertMeta{
				NotBefore: bundle.NotBefore.Format(time.RFC3339),
				NotAfter:  bundle.NotAfter.Format(time.RFC3339),
				Serial:    bundle.SerialHex,
			}
			if serr := e.Store.SaveCertificate(ctx, fp, bundle.ChainPEM, bundle.KeyPEM, meta); serr != nil {
				// Storage failure during post-issuance persistence is
				// non-fatal for the issuance result (spec.md §7); the
				// bundle is still returned to the caller.
				e.logger.Warn("failed to persist issued certificate", "fingerprint", fp, "error", serr)
			}
			return bundle, nil
		},
	})
}

// SubmitRevoke implements management.Orchestrators.SubmitRevoke: it POSTs
// revokeCert signed with the certificate's own key (jwk), per RFC 8555
// §7.6's allowance for revoking without an account session.
func (e *Engine) SubmitRevoke(certID string, reason int) (string, error) {
	return e.Tracker.Submit(task.Job{
		Kind: task.KindRevoke,
		Run: func(ctx context.Context, progress func(string)) (any, error) {
			chainPEM, keyPEM, _, err := e.Store.LoadCertificate(ctx, certID)
			if err != nil {
				return nil, err
			}

			certKey, err := acme.ParseAccountKeyPEM(keyPEM)
			if err != nil {
				return nil, err
			}

			der, err := leafCertificateDER(chainPEM)
			if err != nil {
				return nil, err
			}

			dir, err := e.Client.Directory(ctx)
			if err != nil {
				return nil, err
			}

			payload, err := json.Marshal(acme.RevocationRequest{
				Certificate: base64.RawURLEncoding.EncodeToString(der),
				Reason:      &reason,
			})
			if err != nil {
				return nil, acmeerr.Protocol("failed to marshal revocation request").WithUnderlying(err)
			}

			progress("revoking")
			if _, err := e.Client.PostJWK(ctx, certKey, dir.RevokeCert, payload); err != nil {
				return nil, err
			}
			return fmt.Sprintf("revoked %s", certID), nil
		},
	})
}

// Status and Cancel delegate straight through to the tracker; they exist
// so Engine alone satisfies management.Orchestrators.
func (e *Engine) Status(taskID string) (task.Task, bool) { return e.Tracker.Status(taskID) }
func (e *Engine) Cancel(taskID string) bool              { return e.Tracker.Cancel(taskID) }

// Run satisfies scheduler.Renewer by delegating to the orchestrator — a
// renewal is just another orchestration run over the same identifiers.
func (e *Engine) Run(ctx context.Context, identifiers []string, progress func(string)) (*certbundle.Bundle, error) {
	return e.Orchestrator.Run(ctx, identifiers, progress)
}

// leafCertificateDER extracts the DER bytes of the first (end-entity)
// certificate in a PEM chain.
func leafCertificateDER(chainPEM []byte) ([]byte, error) {
	block, _ := pem.Decode(chainPEM)
	if block == nil {
		return nil, acmeerr.Protocol("stored certificate chain contains no PEM block")
	}
	return block.Bytes, nil
}
