package catalog

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kehai/internal/model"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

type fakeStore struct {
	records map[uuid.UUID][]model.CustomActionRecord
	err     error
	calls   atomic.Int32
}

func (f *fakeStore) ListEnabledCustomActions(_ context.Context, campaignID uuid.UUID) ([]model.CustomActionRecord, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.records[campaignID], nil
}

func record(campaignID uuid.UUID, actionID, definition string) model.CustomActionRecord {
	return model.CustomActionRecord{
		ID:         uuid.New(),
		CampaignID: campaignID,
		ActionID:   actionID,
		Definition: []byte(definition),
		IsEnabled:  true,
	}
}

func TestBuiltinsLoad(t *testing.T) {
	actions, err := Builtins()
	require.NoError(t, err)
	require.NotEmpty(t, actions)

	byID := map[string]model.PhysicalAction{}
	for _, a := range actions {
		require.NoError(t, a.Validate())
		assert.False(t, a.Custom)
		byID[a.ID] = a
	}

	stab, ok := byID["stab_behind"]
	require.True(t, ok)
	assert.Equal(t, model.ZoneAdjacent, stab.RequiredRange)
	assert.Equal(t, "bladed_weapon", stab.RequiredItem)
	assert.Equal(t, model.StatAgility, stab.RequiredStat)
	assert.Equal(t, 5, stab.RequiredStatValue)
	assert.True(t, stab.IsDetectable)
	assert.Equal(t, "damage", stab.SuccessEffect["type"])

	whisper, ok := byID["whisper"]
	require.True(t, ok)
	assert.Equal(t, model.CategorySocial, whisper.Category)
	assert.True(t, whisper.IsDetectable)
}

func TestBuiltinsReturnsCopy(t *testing.T) {
	a, err := Builtins()
	require.NoError(t, err)
	a[0].ID = "mutated"

	b, err := Builtins()
	require.NoError(t, err)
	assert.NotEqual(t, "mutated", b[0].ID)
}

func TestParseBuiltinsRejectsDuplicates(t *testing.T) {
	raw := []byte(`
actions:
  - {id: a, name: A, category: melee, required_range: adjacent}
  - {id: a, name: A2, category: melee, required_range: close}
`)
	_, err := parseBuiltins(raw)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestParseBuiltinsRejectsUnknownFields(t *testing.T) {
	raw := []byte(`
actions:
  - {id: a, name: A, category: melee, required_range: adjacent, damage: 4}
`)
	_, err := parseBuiltins(raw)
	require.Error(t, err)
}

func TestListActionsMergesCustom(t *testing.T) {
	campaign := uuid.New()
	store := &fakeStore{records: map[uuid.UUID][]model.CustomActionRecord{
		campaign: {
			record(campaign, "hex", `{"id":"hex","name":"Hex","category":"social","required_range":"mid","is_detectable":true,"detection_difficulty":4}`),
			// Same id as a built-in: still listed.
			record(campaign, "shove", `{"id":"shove","name":"Heavy Shove","category":"melee","required_range":"adjacent","required_stat":"strength","required_stat_value":6}`),
		},
	}}

	c, err := New(store, time.Minute, testLogger)
	require.NoError(t, err)
	defer c.Close()

	builtins, _ := Builtins()
	actions, err := c.ListActions(context.Background(), campaign)
	require.NoError(t, err)
	require.Len(t, actions, len(builtins)+2)

	var custom []model.PhysicalAction
	for _, a := range actions {
		if a.Custom {
			custom = append(custom, a)
		}
	}
	require.Len(t, custom, 2)
	assert.Equal(t, "hex", custom[0].ID)
	require.NotNil(t, custom[0].CampaignID)
	assert.Equal(t, campaign, *custom[0].CampaignID)
	assert.Equal(t, "shove", custom[1].ID)
}

func TestListActionsSkipsInvalidAndDisabled(t *testing.T) {
	campaign := uuid.New()
	disabled := record(campaign, "nap", `{"id":"nap","name":"Nap","category":"movement","required_range":"any"}`)
	disabled.IsEnabled = false

	store := &fakeStore{records: map[uuid.UUID][]model.CustomActionRecord{
		campaign: {
			record(campaign, "bad_range", `{"id":"bad_range","name":"Bad","category":"melee","required_range":"orbit"}`),
			record(campaign, "bad_json", `{"id":`),
			record(campaign, "extra", `{"id":"extra","name":"Extra","category":"melee","required_range":"close","mana":3}`),
			record(campaign, "mismatch", `{"id":"other","name":"Mismatch","category":"melee","required_range":"close"}`),
			disabled,
			record(campaign, "ok", `{"id":"ok","name":"Ok","category":"ranged","required_range":"far"}`),
		},
	}}

	c, err := New(store, 0, testLogger)
	require.NoError(t, err)
	defer c.Close()

	actions, err := c.ListActions(context.Background(), campaign)
	require.NoError(t, err)

	var ids []string
	for _, a := range actions {
		if a.Custom {
			ids = append(ids, a.ID)
		}
	}
	assert.Equal(t, []string{"ok"}, ids)
}

func TestListActionsNilCampaignSkipsStore(t *testing.T) {
	store := &fakeStore{}
	c, err := New(store, time.Minute, testLogger)
	require.NoError(t, err)
	defer c.Close()

	actions, err := c.ListActions(context.Background(), uuid.Nil)
	require.NoError(t, err)
	assert.NotEmpty(t, actions)
	assert.Zero(t, store.calls.Load())
}

func TestListActionsStoreError(t *testing.T) {
	store := &fakeStore{err: errors.New("connection refused")}
	c, err := New(store, time.Minute, testLogger)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.ListActions(context.Background(), uuid.New())
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrDependencyUnavailable)
}

func TestListActionsCachesPerCampaign(t *testing.T) {
	campaign := uuid.New()
	store := &fakeStore{records: map[uuid.UUID][]model.CustomActionRecord{
		campaign: {record(campaign, "hex", `{"id":"hex","name":"Hex","category":"social","required_range":"mid"}`)},
	}}
	c, err := New(store, time.Minute, testLogger)
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	for range 3 {
		_, err := c.ListActions(ctx, campaign)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), store.calls.Load())

	c.Invalidate(campaign)
	_, err = c.ListActions(ctx, campaign)
	require.NoError(t, err)
	assert.Equal(t, int32(2), store.calls.Load())
}

func TestFind(t *testing.T) {
	campaign := uuid.New()
	store := &fakeStore{records: map[uuid.UUID][]model.CustomActionRecord{
		campaign: {record(campaign, "hex", `{"id":"hex","name":"Hex","category":"social","required_range":"mid"}`)},
	}}
	c, err := New(store, time.Minute, testLogger)
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	a, err := c.Find(ctx, campaign, "whisper")
	require.NoError(t, err)
	assert.False(t, a.Custom)

	a, err = c.Find(ctx, campaign, "hex")
	require.NoError(t, err)
	assert.True(t, a.Custom)

	_, err = c.Find(ctx, campaign, "fireball")
	assert.ErrorIs(t, err, model.ErrUnknownAction)
}

func TestCampaignCacheExpiry(t *testing.T) {
	c := newCampaignCache(50 * time.Millisecond)
	defer c.Close()

	id := uuid.New()
	c.Set(id, []model.PhysicalAction{})

	got, ok := c.Get(id)
	require.True(t, ok, "empty set is a cache hit")
	assert.Empty(t, got)

	time.Sleep(60 * time.Millisecond)
	_, ok = c.Get(id)
	assert.False(t, ok)
}

func TestCampaignCacheEvictExpired(t *testing.T) {
	c := newCampaignCache(10 * time.Millisecond)
	defer c.Close()

	c.Set(uuid.New(), nil)
	c.Set(uuid.New(), nil)
	time.Sleep(20 * time.Millisecond)
	c.evictExpired()

	c.mu.RLock()
	assert.Empty(t, c.entries)
	c.mu.RUnlock()
}

func TestCampaignCacheCloseTwice(t *testing.T) {
	c := newCampaignCache(time.Second)
	c.Close()
	assert.NotPanics(t, c.Close)
}
