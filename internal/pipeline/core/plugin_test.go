package core

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamgrid/playout/internal/memctx"
)

type fakePlugin struct {
	name    string
	stages  []string
	minOnly bool // CanHandleMemoryPressure only at Optimal
	run     func(ctx context.Context, env StageEnvelope) (*PluginResult, error)
}

func (p *fakePlugin) Name() string                 { return p.name }
func (p *fakePlugin) Version() string               { return "v1" }
func (p *fakePlugin) SupportedStages() []string     { return p.stages }
func (p *fakePlugin) MemoryRequirementBytes() int64 { return 0 }
func (p *fakePlugin) CanHandleMemoryPressure(level memctx.Pressure) bool {
	if p.minOnly {
		return level == memctx.Optimal
	}
	return true
}
func (p *fakePlugin) Run(ctx context.Context, env StageEnvelope) (*PluginResult, error) {
	return p.run(ctx, env)
}

func TestPluginRegistry_SelectPrefersRegisteredPlugin(t *testing.T) {
	reg := NewPluginRegistry(nil)
	p := &fakePlugin{name: "fast-filter", stages: []string{"filtering"}}
	reg.Register(p)

	sel := reg.Select("filtering", memctx.Optimal)
	require.NotNil(t, sel)
	assert.Equal(t, "fast-filter", sel.plugin.Name())

	assert.Nil(t, reg.Select("numbering", memctx.Optimal))
}

func TestPluginRegistry_SkipsAfterConsecutiveFailures(t *testing.T) {
	reg := NewPluginRegistry(nil)
	p := &fakePlugin{name: "flaky", stages: []string{"filtering"}}
	reg.Register(p)

	sel := reg.Select("filtering", memctx.Optimal)
	require.NotNil(t, sel)

	reg.RecordFailure(sel)
	reg.RecordFailure(sel)
	assert.NotNil(t, reg.Select("filtering", memctx.Optimal), "not skipped before threshold")

	reg.RecordFailure(sel)
	assert.Nil(t, reg.Select("filtering", memctx.Optimal), "skipped once threshold reached")

	reg.Reload("filtering")
	assert.NotNil(t, reg.Select("filtering", memctx.Optimal), "reload clears skip state")
}

func TestPluginRegistry_SuccessResetsFailureCount(t *testing.T) {
	reg := NewPluginRegistry(nil)
	p := &fakePlugin{name: "recovering", stages: []string{"filtering"}}
	reg.Register(p)

	sel := reg.Select("filtering", memctx.Optimal)
	reg.RecordFailure(sel)
	reg.RecordFailure(sel)
	reg.RecordSuccess(sel)
	reg.RecordFailure(sel)
	reg.RecordFailure(sel)

	assert.NotNil(t, reg.Select("filtering", memctx.Optimal), "success should have reset the streak")
}

func TestPluginRegistry_DeclinesUnderMemoryPressure(t *testing.T) {
	reg := NewPluginRegistry(nil)
	p := &fakePlugin{name: "in-memory-only", stages: []string{"filtering"}, minOnly: true}
	reg.Register(p)

	assert.NotNil(t, reg.Select("filtering", memctx.Optimal))
	assert.Nil(t, reg.Select("filtering", memctx.Critical))
}

func TestOrchestrator_RunStagePrefersPluginOverNative(t *testing.T) {
	reg := NewPluginRegistry(nil)
	var nativeCalled bool
	p := &fakePlugin{
		name:   "replacement",
		stages: []string{"a"},
		run: func(_ context.Context, env StageEnvelope) (*PluginResult, error) {
			assert.Equal(t, "a", env.StageID)
			return &PluginResult{RecordsProcessed: 7, Message: "from plugin"}, nil
		},
	}
	reg.Register(p)

	s1 := &fakeStage{id: "a", name: "A", fn: func(_ context.Context, _ *State) (*StageResult, error) {
		nativeCalled = true
		return &StageResult{}, nil
	}}

	orch := NewOrchestrator(newTestProxy(), []Stage{s1}, t.TempDir(), nil)
	orch.SetPluginRegistry(reg)

	result, err := orch.Execute(context.Background())
	require.NoError(t, err)
	assert.False(t, nativeCalled, "native Execute should not run when the plugin succeeds")
	assert.Equal(t, 7, result.StageResults["a"].RecordsProcessed)
	assert.Equal(t, "from plugin", result.StageResults["a"].Message)
}

func TestOrchestrator_RunStageFallsBackToNativeOnPluginError(t *testing.T) {
	reg := NewPluginRegistry(nil)
	p := &fakePlugin{
		name:   "broken",
		stages: []string{"a"},
		run: func(_ context.Context, _ StageEnvelope) (*PluginResult, error) {
			return nil, assert.AnError
		},
	}
	reg.Register(p)

	s1 := &fakeStage{id: "a", name: "A", fn: func(_ context.Context, _ *State) (*StageResult, error) {
		return &StageResult{RecordsProcessed: 3}, nil
	}}

	orch := NewOrchestrator(newTestProxy(), []Stage{s1}, t.TempDir(), nil)
	orch.SetPluginRegistry(reg)

	result, err := orch.Execute(context.Background())
	require.NoError(t, err)
	assert.True(t, s1.executed)
	assert.Equal(t, 3, result.StageResults["a"].RecordsProcessed)
}

func TestOrchestrator_CapabilitiesOfDefaultsWhenNotAdvertised(t *testing.T) {
	caps := capabilitiesOf(&fakeStage{id: "a", name: "A"})
	assert.True(t, caps.RequiresAllData)
	assert.False(t, caps.SupportsStreaming)
}

type capableStage struct{ fakeStage }

func (c *capableStage) Capabilities() StageCapabilities {
	return StageCapabilities{SupportsStreaming: true, PreferredChunkSize: 250}
}

func TestOrchestrator_CapabilitiesOfUsesAdvertisedValue(t *testing.T) {
	caps := capabilitiesOf(&capableStage{fakeStage: fakeStage{id: "a", name: "A"}})
	assert.True(t, caps.SupportsStreaming)
	assert.Equal(t, 250, caps.PreferredChunkSize)
}
