package apply

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upstack-tools/upstack/config"
	"github.com/upstack-tools/upstack/eval"
	"github.com/upstack-tools/upstack/plan"
	"github.com/upstack-tools/upstack/provider"
	"github.com/upstack-tools/upstack/provider/local"
	"github.com/upstack-tools/upstack/schema"
	"github.com/upstack-tools/upstack/state"
)

const (
	lbType       = "AWS::ElasticLoadBalancingV2::LoadBalancer"
	listenerType = "AWS::ElasticLoadBalancingV2::Listener"
)

// recordingProvider wraps a provider and logs the type name of every
// mutating call, in dispatch order.
type recordingProvider struct {
	provider.Provider

	mu  sync.Mutex
	ops []string
}

func (r *recordingProvider) log(op, typeName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, op+" "+typeName)
}

func (r *recordingProvider) Create(ctx context.Context, typeName string, props map[string]any, clientToken string) (*provider.Resource, error) {
	r.log("create", typeName)
	return r.Provider.Create(ctx, typeName, props, clientToken)
}

func (r *recordingProvider) Update(ctx context.Context, typeName, identifier string, props map[string]any, removed []string) (*provider.Resource, error) {
	r.log("update", typeName)
	return r.Provider.Update(ctx, typeName, identifier, props, removed)
}

func (r *recordingProvider) Delete(ctx context.Context, typeName, identifier string) error {
	r.log("delete", typeName)
	return r.Provider.Delete(ctx, typeName, identifier)
}

func testEval(t *testing.T, src string) *eval.Context {
	t.Helper()
	parser := config.NewParser()
	file, diags := parser.ParseFileSource([]byte(src), "test.upstack")
	require.False(t, diags.HasErrors(), diags.Error())
	mod, modDiags := config.NewModule(".", file)
	require.False(t, modDiags.HasErrors())

	stack := eval.StackValues{Name: "test", Region: "us-east-1", AccountID: "123456789012"}
	ctx, ctxDiags := eval.NewContext(mod, schema.Builtin(), stack, nil, nil)
	require.False(t, ctxDiags.HasErrors(), ctxDiags.Error())
	return ctx
}

func buildPlan(t *testing.T, evalCtx *eval.Context, snap *state.Snapshot) (*plan.Plan, *eval.Resolved) {
	t.Helper()
	desired, diags := evalCtx.Resolve(snap.AttrSource(evalCtx.Schema))
	require.False(t, diags.HasErrors(), diags.Error())
	p, err := plan.Build(desired, snap, evalCtx.Schema, plan.Options{})
	require.NoError(t, err)
	return p, desired
}

func testLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(logger)
}

const twoTierTemplate = `
Resource "LB" {
  Type = "AWS::ElasticLoadBalancingV2::LoadBalancer"

  Properties {
    Subnets = ["subnet-aaaa"]
  }
}

Resource "WebListener" {
  Type = "AWS::ElasticLoadBalancingV2::Listener"

  Properties {
    LoadBalancerArn = Resource.LB.ID
    Port            = 443
    Protocol        = "HTTPS"
    DefaultActions  = []
  }
}

Output "Endpoint" {
  Value = Resource.LB.DNSName

  Export {
    Name = "test-endpoint"
  }
}
`

func TestRunCreateOrder(t *testing.T) {
	evalCtx := testEval(t, twoTierTemplate)
	snap := state.NewSnapshot("test")
	p, desired := buildPlan(t, evalCtx, snap)
	require.Len(t, p.Changes, 2)

	backend, err := local.New(schema.Builtin(), "")
	require.NoError(t, err)
	prov := &recordingProvider{Provider: backend}

	exec := &Executor{Provider: prov, Eval: evalCtx, Log: testLogger()}
	report := exec.Run(context.Background(), p, desired, snap)

	require.False(t, report.Failed())
	assert.Equal(t, []string{"create " + lbType, "create " + listenerType}, prov.ops)

	// The stale snapshot is untouched; the report carries the new one.
	assert.Empty(t, snap.Resources)
	assert.Equal(t, snap.Serial+1, report.Snapshot.Serial)

	lb := report.Snapshot.Resources["LB"]
	require.NotNil(t, lb)
	listener := report.Snapshot.Resources["WebListener"]
	require.NotNil(t, listener)
	assert.Equal(t, []string{"LB"}, listener.Dependencies)

	// The listener's reference was re-resolved to the identifier the
	// provider actually assigned, not the plan-time placeholder.
	assert.Equal(t, lb.Identifier, listener.Properties["LoadBalancerArn"])

	assert.Equal(t, lb.Identifier+"/DNSName", report.Outputs["Endpoint"])
	assert.Equal(t, report.Outputs["Endpoint"], report.Exports["test-endpoint"])
}

func TestRunIdempotent(t *testing.T) {
	evalCtx := testEval(t, twoTierTemplate)
	snap := state.NewSnapshot("test")
	p, desired := buildPlan(t, evalCtx, snap)

	backend, err := local.New(schema.Builtin(), "")
	require.NoError(t, err)
	exec := &Executor{Provider: backend, Eval: evalCtx, Log: testLogger()}
	report := exec.Run(context.Background(), p, desired, snap)
	require.False(t, report.Failed())

	// Planning again on the resulting snapshot finds nothing to do.
	p2, _ := buildPlan(t, evalCtx, report.Snapshot)
	assert.True(t, p2.Empty())
}

func TestRunFailureSkipsDependents(t *testing.T) {
	evalCtx := testEval(t, twoTierTemplate)
	snap := state.NewSnapshot("test")
	p, desired := buildPlan(t, evalCtx, snap)

	prov := &flakyProvider{failCreate: map[string]bool{lbType: true}}
	exec := &Executor{Provider: prov, Eval: evalCtx, Log: testLogger()}
	report := exec.Run(context.Background(), p, desired, snap)

	require.True(t, report.Failed())
	assert.Equal(t, StatusFailed, report.Results["LB"].Status)
	assert.Error(t, report.Results["LB"].Err)
	assert.Equal(t, StatusNotAttempted, report.Results["WebListener"].Status)

	assert.Empty(t, report.Snapshot.Resources)
	assert.Equal(t, snap.Serial, report.Snapshot.Serial)
	assert.Empty(t, report.Outputs)
}

func TestRunTransientRetry(t *testing.T) {
	evalCtx := testEval(t, `
Resource "LB" {
  Type = "AWS::ElasticLoadBalancingV2::LoadBalancer"

  Properties {
    Subnets = ["subnet-aaaa"]
  }
}
`)
	snap := state.NewSnapshot("test")
	p, desired := buildPlan(t, evalCtx, snap)

	prov := &flakyProvider{transientCreates: 2}
	exec := &Executor{
		Provider:   prov,
		Eval:       evalCtx,
		Log:        testLogger(),
		RetryDelay: time.Millisecond,
	}
	report := exec.Run(context.Background(), p, desired, snap)

	require.False(t, report.Failed())
	assert.Equal(t, 3, prov.createCalls)
	assert.NotNil(t, report.Snapshot.Resources["LB"])
}

func TestRunDestroyAndForget(t *testing.T) {
	evalCtx := testEval(t, ``)

	backend, err := local.New(schema.Builtin(), "")
	require.NoError(t, err)
	doomed, err := backend.Create(context.Background(), lbType, map[string]any{
		"Subnets": []any{"subnet-aaaa"},
	}, "")
	require.NoError(t, err)
	retained, err := backend.Create(context.Background(), lbType, map[string]any{
		"Subnets": []any{"subnet-bbbb"},
	}, "")
	require.NoError(t, err)

	snap := state.NewSnapshot("test")
	snap.Resources["Doomed"] = &state.ResourceState{
		Type:       lbType,
		Identifier: doomed.Identifier,
		Properties: doomed.Properties,
	}
	snap.Resources["Retained"] = &state.ResourceState{
		Type:       lbType,
		Identifier: retained.Identifier,
		Properties: retained.Properties,
		Retain:     true,
	}

	p, desired := buildPlan(t, evalCtx, snap)
	require.Len(t, p.Changes, 2)

	exec := &Executor{Provider: backend, Eval: evalCtx, Log: testLogger()}
	report := exec.Run(context.Background(), p, desired, snap)
	require.False(t, report.Failed())

	assert.Empty(t, report.Snapshot.Resources)

	_, err = backend.Read(context.Background(), lbType, doomed.Identifier)
	assert.True(t, provider.IsNotFound(err))

	// The retained resource was forgotten, not destroyed.
	_, err = backend.Read(context.Background(), lbType, retained.Identifier)
	assert.NoError(t, err)
}

func TestRunReplace(t *testing.T) {
	evalCtx := testEval(t, `
Resource "LB" {
  Type = "AWS::ElasticLoadBalancingV2::LoadBalancer"

  Properties {
    Subnets = ["subnet-aaaa"]
    Name    = "frontdoor-v2"
  }
}
`)

	backend, err := local.New(schema.Builtin(), "")
	require.NoError(t, err)
	old, err := backend.Create(context.Background(), lbType, map[string]any{
		"Subnets": []any{"subnet-aaaa"},
		"Name":    "frontdoor",
	}, "")
	require.NoError(t, err)

	snap := state.NewSnapshot("test")
	snap.Resources["LB"] = &state.ResourceState{
		Type:       lbType,
		Identifier: old.Identifier,
		Properties: old.Properties,
	}

	p, desired := buildPlan(t, evalCtx, snap)
	require.Len(t, p.Changes, 1)
	require.Equal(t, plan.Replace, p.Changes[0].Action)

	exec := &Executor{Provider: backend, Eval: evalCtx, Log: testLogger()}
	report := exec.Run(context.Background(), p, desired, snap)
	require.False(t, report.Failed())

	lb := report.Snapshot.Resources["LB"]
	require.NotNil(t, lb)
	assert.NotEqual(t, old.Identifier, lb.Identifier)
	assert.Equal(t, "frontdoor-v2", lb.Properties["Name"])

	_, err = backend.Read(context.Background(), lbType, old.Identifier)
	assert.True(t, provider.IsNotFound(err))
}

func TestRunCancelledBeforeDispatch(t *testing.T) {
	evalCtx := testEval(t, twoTierTemplate)
	snap := state.NewSnapshot("test")
	p, desired := buildPlan(t, evalCtx, snap)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	backend, err := local.New(schema.Builtin(), "")
	require.NoError(t, err)
	exec := &Executor{Provider: backend, Eval: evalCtx, Log: testLogger()}
	report := exec.Run(ctx, p, desired, snap)

	require.True(t, report.Failed())
	assert.Equal(t, StatusNotAttempted, report.Results["LB"].Status)
	assert.Equal(t, StatusNotAttempted, report.Results["WebListener"].Status)
	assert.Empty(t, report.Snapshot.Resources)
}

// flakyProvider fails operations on demand for failure-path tests.
type flakyProvider struct {
	mu               sync.Mutex
	failCreate       map[string]bool
	transientCreates int
	createCalls      int
	nextID           int
}

func (f *flakyProvider) Create(ctx context.Context, typeName string, props map[string]any, clientToken string) (*provider.Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++

	if f.failCreate[typeName] {
		return nil, &provider.Error{Op: "create", TypeName: typeName, Err: errors.New("boom")}
	}
	if f.transientCreates > 0 {
		f.transientCreates--
		return nil, &provider.Error{Op: "create", TypeName: typeName, Transient: true, Err: errors.New("throttled")}
	}

	f.nextID++
	return &provider.Resource{
		Type:       typeName,
		Identifier: fmt.Sprintf("fake-%d", f.nextID),
		Properties: map[string]any{},
	}, nil
}

func (f *flakyProvider) Read(ctx context.Context, typeName, identifier string) (*provider.Resource, error) {
	return nil, &provider.Error{Op: "read", TypeName: typeName, Identifier: identifier, Err: provider.ErrNotFound}
}

func (f *flakyProvider) Update(ctx context.Context, typeName, identifier string, props map[string]any, removed []string) (*provider.Resource, error) {
	return &provider.Resource{Type: typeName, Identifier: identifier, Properties: props}, nil
}

func (f *flakyProvider) Delete(ctx context.Context, typeName, identifier string) error {
	return nil
}

// halfDoneProvider provisions on its first create but reports a transient
// failure anyway, like a provider whose request landed after the response
// was lost.
type halfDoneProvider struct {
	*local.Provider

	mu          sync.Mutex
	createCalls int
	tokens      []string
	first       *provider.Resource
}

func (h *halfDoneProvider) Create(ctx context.Context, typeName string, props map[string]any, clientToken string) (*provider.Resource, error) {
	h.mu.Lock()
	h.createCalls++
	call := h.createCalls
	h.tokens = append(h.tokens, clientToken)
	h.mu.Unlock()

	res, err := h.Provider.Create(ctx, typeName, props, clientToken)
	if err != nil {
		return nil, err
	}
	if call == 1 {
		h.mu.Lock()
		h.first = res
		h.mu.Unlock()
		return nil, &provider.Error{Op: "create", TypeName: typeName, Transient: true, Err: errors.New("response lost")}
	}
	return res, nil
}

func TestRunCreateRetryReusesToken(t *testing.T) {
	evalCtx := testEval(t, `
Resource "LB" {
  Type = "AWS::ElasticLoadBalancingV2::LoadBalancer"

  Properties {
    Subnets = ["subnet-aaaa"]
  }
}
`)
	snap := state.NewSnapshot("test")
	p, desired := buildPlan(t, evalCtx, snap)

	backend, err := local.New(schema.Builtin(), "")
	require.NoError(t, err)
	prov := &halfDoneProvider{Provider: backend}
	exec := &Executor{
		Provider:   prov,
		Eval:       evalCtx,
		Log:        testLogger(),
		RetryDelay: time.Millisecond,
	}
	report := exec.Run(context.Background(), p, desired, snap)
	require.False(t, report.Failed())

	// Both attempts carried the same client token, so the backend handed
	// the retry the resource the first attempt already provisioned.
	require.Equal(t, 2, prov.createCalls)
	require.Len(t, prov.tokens, 2)
	assert.NotEmpty(t, prov.tokens[0])
	assert.Equal(t, prov.tokens[0], prov.tokens[1])

	lb := report.Snapshot.Resources["LB"]
	require.NotNil(t, lb)
	assert.Equal(t, prov.first.Identifier, lb.Identifier)
}

// gatedProvider blocks its first create until released, so a test can
// cancel the run while that operation is in flight.
type gatedProvider struct {
	*local.Provider

	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedProvider) Create(ctx context.Context, typeName string, props map[string]any, clientToken string) (*provider.Resource, error) {
	gate := false
	g.once.Do(func() { gate = true })
	if gate {
		close(g.started)
		<-g.release
	}
	return g.Provider.Create(ctx, typeName, props, clientToken)
}

func TestRunCancelMidFlight(t *testing.T) {
	evalCtx := testEval(t, twoTierTemplate)
	snap := state.NewSnapshot("test")
	p, desired := buildPlan(t, evalCtx, snap)

	backend, err := local.New(schema.Builtin(), "")
	require.NoError(t, err)
	prov := &gatedProvider{
		Provider: backend,
		started:  make(chan struct{}),
		release:  make(chan struct{}),
	}
	exec := &Executor{Provider: prov, Eval: evalCtx, Log: testLogger()}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan *Report, 1)
	go func() { done <- exec.Run(ctx, p, desired, snap) }()

	<-prov.started
	cancel()
	close(prov.release)
	report := <-done

	require.True(t, report.Failed())

	// The in-flight create ran to completion and was recorded, so the
	// resource is not orphaned.
	assert.Equal(t, StatusSucceeded, report.Results["LB"].Status)
	lb := report.Snapshot.Resources["LB"]
	require.NotNil(t, lb)
	_, err = backend.Read(context.Background(), lbType, lb.Identifier)
	assert.NoError(t, err)
	assert.Equal(t, snap.Serial+1, report.Snapshot.Serial)

	// Its dependent was never dispatched.
	assert.Equal(t, StatusNotAttempted, report.Results["WebListener"].Status)
	assert.Empty(t, report.Outputs)
}

// convergingProvider applies every update but reports a transient failure,
// so only a read of observed state reveals the operation took effect.
type convergingProvider struct {
	mu          sync.Mutex
	updateCalls int
	current     *provider.Resource
}

func (c *convergingProvider) Create(ctx context.Context, typeName string, props map[string]any, clientToken string) (*provider.Resource, error) {
	return nil, &provider.Error{Op: "create", TypeName: typeName, Err: errors.New("unexpected create")}
}

func (c *convergingProvider) Read(ctx context.Context, typeName, identifier string) (*provider.Resource, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current, nil
}

func (c *convergingProvider) Update(ctx context.Context, typeName, identifier string, props map[string]any, removed []string) (*provider.Resource, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updateCalls++
	merged := map[string]any{}
	for name, val := range c.current.Properties {
		merged[name] = val
	}
	for name, val := range props {
		merged[name] = val
	}
	for _, name := range removed {
		delete(merged, name)
	}
	c.current = &provider.Resource{Type: typeName, Identifier: identifier, Properties: merged}
	return nil, &provider.Error{Op: "update", TypeName: typeName, Identifier: identifier, Transient: true, Err: errors.New("response lost")}
}

func (c *convergingProvider) Delete(ctx context.Context, typeName, identifier string) error {
	return nil
}

func TestRunUpdateConvergedDuringRetry(t *testing.T) {
	evalCtx := testEval(t, `
Resource "LB" {
  Type = "AWS::ElasticLoadBalancingV2::LoadBalancer"

  Properties {
    Subnets = ["subnet-bbbb"]
  }
}
`)

	snap := state.NewSnapshot("test")
	snap.Resources["LB"] = &state.ResourceState{
		Type:       lbType,
		Identifier: "lb-1",
		Properties: map[string]any{
			"Subnets": []any{"subnet-aaaa"},
			"DNSName": "lb-1/DNSName",
		},
	}

	p, desired := buildPlan(t, evalCtx, snap)
	require.Len(t, p.Changes, 1)
	require.Equal(t, plan.Update, p.Changes[0].Action)

	prov := &convergingProvider{current: &provider.Resource{
		Type:       lbType,
		Identifier: "lb-1",
		Properties: map[string]any{
			"Subnets": []any{"subnet-aaaa"},
			"DNSName": "lb-1/DNSName",
		},
	}}
	exec := &Executor{
		Provider:   prov,
		Eval:       evalCtx,
		Log:        testLogger(),
		RetryDelay: time.Millisecond,
	}
	report := exec.Run(context.Background(), p, desired, snap)
	require.False(t, report.Failed())

	// The read-back satisfied the retry, so the update was issued once
	// and the snapshot records what the provider observed.
	assert.Equal(t, 1, prov.updateCalls)
	lb := report.Snapshot.Resources["LB"]
	require.NotNil(t, lb)
	assert.Equal(t, "lb-1", lb.Identifier)
	assert.Equal(t, []any{"subnet-bbbb"}, lb.Properties["Subnets"])
}

func TestRunRetypedReplace(t *testing.T) {
	evalCtx := testEval(t, `
Resource "Backing" {
  Type = "AWS::ElasticLoadBalancingV2::TargetGroup"

  Properties {
    VpcId = "vpc-1234"
  }
}
`)

	backend, err := local.New(schema.Builtin(), "")
	require.NoError(t, err)
	old, err := backend.Create(context.Background(), "AWS::EC2::SecurityGroup", map[string]any{
		"GroupDescription": "backing",
	}, "")
	require.NoError(t, err)

	snap := state.NewSnapshot("test")
	snap.Resources["Backing"] = &state.ResourceState{
		Type:       "AWS::EC2::SecurityGroup",
		Identifier: old.Identifier,
		Properties: old.Properties,
	}

	p, desired := buildPlan(t, evalCtx, snap)
	require.Len(t, p.Changes, 1)
	require.Equal(t, plan.Replace, p.Changes[0].Action)

	exec := &Executor{Provider: backend, Eval: evalCtx, Log: testLogger()}
	report := exec.Run(context.Background(), p, desired, snap)
	require.False(t, report.Failed())

	// The destroy half addressed the resource under the type it was
	// created with; the backend rejects a delete under the wrong type.
	_, err = backend.Read(context.Background(), "AWS::EC2::SecurityGroup", old.Identifier)
	assert.True(t, provider.IsNotFound(err))

	backing := report.Snapshot.Resources["Backing"]
	require.NotNil(t, backing)
	assert.Equal(t, "AWS::ElasticLoadBalancingV2::TargetGroup", backing.Type)
	assert.NotEqual(t, old.Identifier, backing.Identifier)
}
