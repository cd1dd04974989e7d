package definition

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trinity-platform/trinity/core"
)

func draft(name, version string) *Definition {
	def := validDef()
	def.Name = name
	def.Version = version
	return def
}

func TestRegistryLifecycle(t *testing.T) {
	r := NewRegistry(nil)

	require.NoError(t, r.SaveDraft(draft("pipeline", "1.0.0")))

	// Drafts are invisible to published lookups.
	_, ok := r.LookupPublished("pipeline", "1.0.0")
	assert.False(t, ok)
	_, err := r.Get("pipeline", "")
	require.ErrorIs(t, err, core.ErrDefinitionNotFound)

	require.NoError(t, r.Publish("pipeline", "1.0.0"))

	def, err := r.Get("pipeline", "")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", def.Version)
	assert.Equal(t, StatusPublished, def.Status)

	// A newer version becomes the latest; the old one stays resolvable.
	require.NoError(t, r.SaveDraft(draft("pipeline", "1.1.0")))
	require.NoError(t, r.Publish("pipeline", "1.1.0"))

	def, err = r.Get("pipeline", "")
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", def.Version)

	def, err = r.Get("pipeline", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", def.Version)

	assert.Equal(t, map[string][]string{"pipeline": {"1.0.0", "1.1.0"}}, r.List())
}

func TestRegistryPublishedIsImmutable(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.SaveDraft(draft("pipeline", "1.0.0")))
	require.NoError(t, r.Publish("pipeline", "1.0.0"))

	err := r.SaveDraft(draft("pipeline", "1.0.0"))
	require.ErrorIs(t, err, core.ErrAlreadyPublished)

	err = r.Publish("pipeline", "1.0.0")
	require.ErrorIs(t, err, core.ErrAlreadyPublished)
}

func TestRegistryPublishUnknown(t *testing.T) {
	r := NewRegistry(nil)
	require.ErrorIs(t, r.Publish("nope", "1"), core.ErrDefinitionNotFound)
	require.ErrorIs(t, r.Archive("nope", "1"), core.ErrDefinitionNotFound)
}

func TestRegistrySaveDraftRejectsNonDraft(t *testing.T) {
	r := NewRegistry(nil)
	def := draft("pipeline", "1.0.0")
	def.Status = StatusPublished
	require.ErrorIs(t, r.SaveDraft(def), core.ErrInvalidDefinition)
}

func TestRegistryWebhookUniqueness(t *testing.T) {
	r := NewRegistry(nil)

	first := draft("alpha", "1")
	first.Triggers = []Trigger{{Kind: TriggerWebhook, ID: "shared-hook"}}
	require.NoError(t, r.SaveDraft(first))
	require.NoError(t, r.Publish("alpha", "1"))

	ref, ok := r.ResolveWebhook("shared-hook")
	require.True(t, ok)
	assert.Equal(t, Ref{Name: "alpha", Version: "1"}, ref)

	// A different definition cannot claim the same webhook id.
	second := draft("beta", "1")
	second.Triggers = []Trigger{{Kind: TriggerWebhook, ID: "shared-hook"}}
	require.NoError(t, r.SaveDraft(second))
	err := r.Publish("beta", "1")
	requireIssues(t, err, "already claimed")

	// A newer version of the same definition re-points the route.
	next := draft("alpha", "2")
	next.Triggers = []Trigger{{Kind: TriggerWebhook, ID: "shared-hook"}}
	require.NoError(t, r.SaveDraft(next))
	require.NoError(t, r.Publish("alpha", "2"))

	ref, ok = r.ResolveWebhook("shared-hook")
	require.True(t, ok)
	assert.Equal(t, Ref{Name: "alpha", Version: "2"}, ref)
}

func TestRegistryArchive(t *testing.T) {
	r := NewRegistry(nil)
	def := draft("pipeline", "1.0.0")
	def.Triggers = []Trigger{{Kind: TriggerWebhook, ID: "hook-1"}}
	require.NoError(t, r.SaveDraft(def))
	require.NoError(t, r.Publish("pipeline", "1.0.0"))

	require.NoError(t, r.Archive("pipeline", "1.0.0"))

	// No latest version remains.
	_, err := r.Get("pipeline", "")
	require.ErrorIs(t, err, core.ErrDefinitionNotFound)

	// Exact version stays resolvable for old executions.
	archived, err := r.Get("pipeline", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, StatusArchived, archived.Status)

	// But not as a published sub-process target or webhook route.
	_, ok := r.LookupPublished("pipeline", "1.0.0")
	assert.False(t, ok)
	_, ok = r.ResolveWebhook("hook-1")
	assert.False(t, ok)
}

func TestRegistryScheduledTriggers(t *testing.T) {
	r := NewRegistry(nil)

	old := draft("nightly", "1")
	old.Triggers = []Trigger{{Kind: TriggerSchedule, ID: "old-sched", Cron: "0 1 * * *", Timezone: "UTC"}}
	require.NoError(t, r.SaveDraft(old))
	require.NoError(t, r.Publish("nightly", "1"))

	next := draft("nightly", "2")
	next.Triggers = []Trigger{
		{Kind: TriggerSchedule, ID: "new-sched", Cron: "0 2 * * *", Timezone: "America/New_York"},
		{Kind: TriggerManual, ID: "by-hand"},
	}
	require.NoError(t, r.SaveDraft(next))
	require.NoError(t, r.Publish("nightly", "2"))

	scheduled := r.ScheduledTriggers()
	require.Len(t, scheduled, 1)
	assert.Equal(t, "new-sched", scheduled[0].Trigger.ID)
	assert.Equal(t, Ref{Name: "nightly", Version: "2"}, scheduled[0].Ref)
}

// Publish re-validates with the registry as resolver, so a sub_process step
// can only target already-published definitions.
func TestRegistryPublishResolvesSubProcesses(t *testing.T) {
	r := NewRegistry(nil)

	parent := &Definition{
		Name:    "parent",
		Version: "1",
		Steps: []Step{
			{ID: "wait", Type: StepTimer, Duration: Duration(time.Minute)},
			{ID: "child", Type: StepSubProcess, DependsOn: []string{"wait"},
				Process:      &ProcessRef{Name: "leaf"},
				InputMapping: map[string]string{"topic": "{{input.topic}}"}},
		},
	}
	require.NoError(t, r.SaveDraft(parent))
	requireIssues(t, r.Publish("parent", "1"), "not a published definition")

	require.NoError(t, r.SaveDraft(draft("leaf", "1")))
	require.NoError(t, r.Publish("leaf", "1"))
	require.NoError(t, r.Publish("parent", "1"))
}
