package apply

import (
	"context"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/upstack-tools/upstack/config"
	"github.com/upstack-tools/upstack/eval"
	"github.com/upstack-tools/upstack/plan"
	"github.com/upstack-tools/upstack/provider"
	"github.com/upstack-tools/upstack/state"
)

// DefaultParallelism bounds concurrent provider operations when the
// caller does not choose a limit.
const DefaultParallelism = 10

const (
	maxAttempts    = 5
	initialBackoff = 2 * time.Second
	maxBackoff     = 30 * time.Second
)

// Executor dispatches a plan's operations against a provider. Operations
// run concurrently up to Parallelism, but an operation is never dispatched
// before every change it waits for has succeeded.
type Executor struct {
	Provider    provider.Provider
	Eval        *eval.Context
	Parallelism int
	Log         *logrus.Entry

	// RetryDelay is the initial backoff between attempts at an operation
	// that failed transiently. Zero means the default.
	RetryDelay time.Duration

	mu      sync.Mutex
	snap    *state.Snapshot
	desired *eval.Resolved
}

// Run applies the plan on top of the given snapshot and reports the
// outcome of every operation. The snapshot itself is not mutated; the
// report carries an updated copy reflecting every operation that
// completed, which the caller must persist even when Run reports
// failures. Cancelling the context stops new operations from being
// dispatched while those already in flight run to completion.
func (e *Executor) Run(ctx context.Context, p *plan.Plan, desired *eval.Resolved, snap *state.Snapshot) *Report {
	e.snap = snap.Copy()
	e.desired = desired

	report := &Report{
		Results:  make(map[string]*Result, len(p.Changes)),
		Snapshot: e.snap,
	}

	parallelism := e.Parallelism
	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}

	// In-flight operations finish on their own terms even after the
	// caller cancels.
	opCtx := context.WithoutCancel(ctx)

	var group errgroup.Group
	group.SetLimit(parallelism)
	results := make(chan *Result, len(p.Changes))

	dispatched := make(map[string]bool, len(p.Changes))
	succeeded := make(map[string]bool, len(p.Changes))
	finished := make(map[string]bool, len(p.Changes))

	inFlight := 0
	for {
		if ctx.Err() == nil {
			for _, change := range p.Changes {
				if dispatched[change.LogicalID] || !ready(change, succeeded, finished) {
					continue
				}
				dispatched[change.LogicalID] = true
				inFlight++
				change := change
				group.Go(func() error {
					results <- e.execute(opCtx, change)
					return nil
				})
			}
		}
		if inFlight == 0 {
			break
		}

		res := <-results
		inFlight--
		finished[res.LogicalID] = true
		if res.Status == StatusSucceeded {
			succeeded[res.LogicalID] = true
		}
		report.Results[res.LogicalID] = res
	}
	group.Wait()

	mutated := false
	for _, change := range p.Changes {
		if res := report.Results[change.LogicalID]; res != nil {
			if res.Status == StatusSucceeded && change.Action != plan.NoOp {
				mutated = true
			}
			continue
		}
		report.Results[change.LogicalID] = &Result{
			LogicalID: change.LogicalID,
			Action:    change.Action,
			Status:    StatusNotAttempted,
		}
	}

	if mutated {
		e.snap.Serial++
	}
	if !report.Failed() {
		e.publishOutputs(report)
	}
	return report
}

// ready reports whether every change the given change waits for has
// finished successfully. A failed dependency keeps the change pending
// forever, so it surfaces as not attempted.
func ready(change *plan.Change, succeeded, finished map[string]bool) bool {
	for _, dep := range change.WaitFor {
		if !finished[dep] || !succeeded[dep] {
			return false
		}
	}
	return true
}

func (e *Executor) execute(ctx context.Context, change *plan.Change) *Result {
	log := e.Log.WithFields(logrus.Fields{
		"resource": change.LogicalID,
		"action":   string(change.Action),
	})

	res := &Result{LogicalID: change.LogicalID, Action: change.Action}

	var err error
	switch change.Action {
	case plan.Create:
		err = e.create(ctx, change, log)
	case plan.Update:
		err = e.update(ctx, change, log)
	case plan.Replace:
		err = e.replace(ctx, change, log)
	case plan.Destroy:
		err = e.destroy(ctx, change, log)
	case plan.Forget:
		err = e.forget(change, log)
	default:
		err = errors.Errorf("unsupported action %q", change.Action)
	}

	if err != nil {
		log.WithError(err).Error("operation failed")
		res.Status = StatusFailed
		res.Err = err
		return res
	}
	res.Status = StatusSucceeded
	return res
}

func (e *Executor) create(ctx context.Context, change *plan.Change, log *logrus.Entry) error {
	doc, err := e.resolveDocument(change.LogicalID)
	if err != nil {
		return err
	}

	log.Info("creating resource")
	var created *provider.Resource
	// No identifier exists yet to read back, so the recheck duty falls to
	// the client token: reused across attempts, it lets the provider hand
	// back a resource the first attempt already provisioned.
	clientToken := uuid.NewString()
	err = e.withRetry(ctx, log, func() error {
		var opErr error
		created, opErr = e.Provider.Create(ctx, change.Type, doc, clientToken)
		return opErr
	}, nil)
	if err != nil {
		return err
	}
	log.WithField("identifier", created.Identifier).Info("created resource")

	e.record(change.LogicalID, created)
	return nil
}

func (e *Executor) update(ctx context.Context, change *plan.Change, log *logrus.Entry) error {
	doc, err := e.resolveDocument(change.LogicalID)
	if err != nil {
		return err
	}
	var removed []string
	for name, diff := range change.Diffs {
		if diff.After.IsNull() {
			removed = append(removed, name)
		}
	}

	log.WithField("identifier", change.Identifier).Info("updating resource")
	var updated *provider.Resource
	err = e.withRetry(ctx, log, func() error {
		var opErr error
		updated, opErr = e.Provider.Update(ctx, change.Type, change.Identifier, doc, removed)
		return opErr
	}, func() bool {
		cur, readErr := e.Provider.Read(ctx, change.Type, change.Identifier)
		if readErr != nil || !documentConverged(cur.Properties, doc, removed) {
			return false
		}
		updated = cur
		return true
	})
	if err != nil {
		return err
	}

	e.record(change.LogicalID, updated)
	return nil
}

// replace destroys the tracked resource and creates its successor. The
// state entry is dropped as soon as the destroy completes, so a failure
// partway through never leaves the snapshot pointing at a deleted
// resource.
func (e *Executor) replace(ctx context.Context, change *plan.Change, log *logrus.Entry) error {
	log.WithField("identifier", change.Identifier).Info("replacing resource")
	err := e.withRetry(ctx, log, func() error {
		return e.Provider.Delete(ctx, change.DestroyType(), change.Identifier)
	}, e.goneRecheck(ctx, change.DestroyType(), change.Identifier))
	if err != nil {
		return err
	}
	e.remove(change.LogicalID)

	return e.create(ctx, change, log)
}

func (e *Executor) destroy(ctx context.Context, change *plan.Change, log *logrus.Entry) error {
	log.WithField("identifier", change.Identifier).Info("destroying resource")
	err := e.withRetry(ctx, log, func() error {
		return e.Provider.Delete(ctx, change.DestroyType(), change.Identifier)
	}, e.goneRecheck(ctx, change.DestroyType(), change.Identifier))
	if err != nil {
		return err
	}
	e.remove(change.LogicalID)
	return nil
}

// forget drops the resource from state without touching the remote
// object, honoring its retain deletion policy.
func (e *Executor) forget(change *plan.Change, log *logrus.Entry) error {
	log.WithField("identifier", change.Identifier).Info("forgetting retained resource")
	e.remove(change.LogicalID)
	return nil
}

// resolveDocument re-evaluates the resource's property bag against the
// current snapshot, so attribute references to freshly applied
// dependencies resolve to their observed values rather than the plan's
// placeholders.
func (e *Executor) resolveDocument(logicalID string) (map[string]any, error) {
	e.mu.Lock()
	props, diags := e.Eval.ResolveResource(logicalID, e.snap.AttrSource(e.Eval.Schema))
	e.mu.Unlock()
	if diags.HasErrors() {
		return nil, diags
	}

	doc := make(map[string]any, len(props))
	for name, val := range props {
		raw, err := state.DocumentFromValue(val)
		if err != nil {
			return nil, errors.Wrapf(err, "encoding property %q", name)
		}
		doc[name] = raw
	}
	return doc, nil
}

// record stores the provider's view of the resource in the working
// snapshot.
func (e *Executor) record(logicalID string, res *provider.Resource) {
	rs := &state.ResourceState{
		Type:       res.Type,
		Identifier: res.Identifier,
		Properties: res.Properties,
	}
	if desired := e.desired.Resources[logicalID]; desired != nil {
		rs.Dependencies = append([]string(nil), desired.DependsOn...)
		rs.Retain = desired.DeletionPolicy == config.DeletionPolicyRetain
	}

	e.mu.Lock()
	e.snap.Resources[logicalID] = rs
	e.mu.Unlock()
}

func (e *Executor) remove(logicalID string) {
	e.mu.Lock()
	delete(e.snap.Resources, logicalID)
	e.mu.Unlock()
}

// goneRecheck reports whether the resource a delete targets has already
// disappeared from observed state.
func (e *Executor) goneRecheck(ctx context.Context, typeName, identifier string) func() bool {
	return func() bool {
		_, err := e.Provider.Read(ctx, typeName, identifier)
		return provider.IsNotFound(err)
	}
}

// documentConverged reports whether the observed property document already
// carries every desired value, with every removed key absent.
func documentConverged(observed, desired map[string]any, removed []string) bool {
	for name, want := range desired {
		got, ok := observed[name]
		if !ok || !reflect.DeepEqual(state.NormalizeDocument(got), state.NormalizeDocument(want)) {
			return false
		}
	}
	for _, name := range removed {
		if _, ok := observed[name]; ok {
			return false
		}
	}
	return true
}

// withRetry re-issues an operation whose failure the provider marks
// transient, backing off exponentially between attempts. Before each
// retry the recheck runs against observed state; when it reports the
// operation already converged the retry is skipped, so an operation
// that failed after taking effect is not re-issued.
func (e *Executor) withRetry(ctx context.Context, log *logrus.Entry, op func() error, recheck func() bool) error {
	backoff := e.RetryDelay
	if backoff <= 0 {
		backoff = initialBackoff
	}
	for attempt := 1; ; attempt++ {
		err := op()
		if err == nil || !provider.IsTransient(err) || attempt == maxAttempts {
			return err
		}

		log.WithError(err).WithField("attempt", attempt).Warn("transient failure, retrying")
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return err
		}
		if recheck != nil && recheck() {
			log.Info("operation converged during retry")
			return nil
		}
		if backoff *= 2; backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// publishOutputs re-resolves the template's outputs against the final
// snapshot and records them on the report, along with the subset marked
// for export.
func (e *Executor) publishOutputs(report *Report) {
	outputs, diags := e.Eval.ResolveOutputs(e.snap.AttrSource(e.Eval.Schema))
	if diags.HasErrors() {
		e.Log.WithError(diags).Warn("could not resolve outputs after apply")
		return
	}

	report.Outputs = make(map[string]string, len(outputs))
	report.Exports = make(map[string]string)
	e.snap.Outputs = make(map[string]string, len(outputs))
	for name, out := range outputs {
		if !out.Value.IsWhollyKnown() || out.Value.IsNull() {
			continue
		}
		if eval.IsSensitive(out.Value) {
			e.Log.WithField("output", name).Warn("skipping output derived from an obscured parameter")
			continue
		}
		str, err := state.StringValue(out.Value)
		if err != nil {
			e.Log.WithError(err).WithField("output", name).Warn("skipping unrenderable output")
			continue
		}
		report.Outputs[name] = str
		e.snap.Outputs[name] = str
		if out.Export != "" {
			report.Exports[out.Export] = str
		}
	}
}
