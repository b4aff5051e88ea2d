package actions_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kehai/internal/catalog"
	"github.com/ashita-ai/kehai/internal/model"
	"github.com/ashita-ai/kehai/internal/rules"
	"github.com/ashita-ai/kehai/internal/service/actions"
)

// world is an in-memory scene implementing every collaborator.
type world struct {
	mu        sync.Mutex
	zones     map[[2]uuid.UUID]model.Zone
	nearby    map[uuid.UUID][]model.Position
	items     map[uuid.UUID][]model.InventoryItem
	profiles  map[uuid.UUID]model.CharacterProfile
	cooldowns map[string]int
	records   []model.ExecutionRecord

	readErr   error
	recordErr error
}

func newWorld() *world {
	return &world{
		zones:     map[[2]uuid.UUID]model.Zone{},
		nearby:    map[uuid.UUID][]model.Position{},
		items:     map[uuid.UUID][]model.InventoryItem{},
		profiles:  map[uuid.UUID]model.CharacterProfile{},
		cooldowns: map[string]int{},
	}
}

func (w *world) character(stats model.Stats, level int) uuid.UUID {
	id := uuid.New()
	w.profiles[id] = model.CharacterProfile{ID: id, Stats: stats, Level: level}
	return id
}

func (w *world) place(a, b uuid.UUID, z model.Zone) {
	w.zones[[2]uuid.UUID{a, b}] = z
	w.zones[[2]uuid.UUID{b, a}] = z
	w.nearby[a] = append(w.nearby[a], model.Position{CharacterID: b, Zone: z})
}

func (w *world) ZoneBetween(_ context.Context, _, a, b uuid.UUID) (model.Zone, error) {
	if w.readErr != nil {
		return "", w.readErr
	}
	if z, ok := w.zones[[2]uuid.UUID{a, b}]; ok {
		return z, nil
	}
	return model.ZoneFar, nil
}

func (w *world) Nearby(_ context.Context, _, c uuid.UUID) ([]model.Position, error) {
	if w.readErr != nil {
		return nil, w.readErr
	}
	return w.nearby[c], nil
}

func (w *world) ItemsOf(_ context.Context, c uuid.UUID) ([]model.InventoryItem, error) {
	return w.items[c], nil
}

func (w *world) GetCharacterProfile(_ context.Context, c uuid.UUID) (model.CharacterProfile, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.profiles[c]
	if !ok {
		return model.CharacterProfile{}, fmt.Errorf("character %s: %w", c, model.ErrCharacterNotFound)
	}
	return p, nil
}

func (w *world) CooldownRemaining(context.Context, uuid.UUID, uuid.UUID, int) (map[string]int, error) {
	return w.cooldowns, nil
}

func (w *world) RecordExecution(_ context.Context, rec model.ExecutionRecord) error {
	if w.recordErr != nil {
		return w.recordErr
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.records = append(w.records, rec)
	return nil
}

type publisher struct {
	mu     sync.Mutex
	events []model.PerceptionEvent
}

func (p *publisher) Publish(events []model.PerceptionEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
}

func newService(t *testing.T, w *world, pub *publisher, rolls ...int) *actions.Service {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	cat, err := catalog.New(nil, 0, logger)
	require.NoError(t, err)
	cfg := actions.Config{
		Catalog:   cat,
		Proximity: w,
		Inventory: w,
		Profiles:  w,
		Store:     w,
		Roller:    rules.NewSequenceRoller(rolls...),
		Workers:   2,
		Logger:    logger,
	}
	if pub != nil {
		cfg.Publisher = pub
	}
	return actions.New(cfg)
}

func TestExecuteUnavailableWithoutBlade(t *testing.T) {
	w := newWorld()
	actor := w.character(model.Stats{"agility": 5}, 1)
	target := w.character(model.Stats{"agility": 3}, 1)
	w.place(actor, target, model.ZoneAdjacent)
	svc := newService(t, w, nil, 5)

	ec := actions.ExecutionContext{SessionID: uuid.New(), ActorID: actor}
	_, err := svc.Execute(context.Background(), ec, actions.ExecuteInput{ActionID: "stab_behind", TargetID: target})

	var unavailable *model.UnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.ErrorIs(t, err, model.ErrActionUnavailable)
	assert.False(t, unavailable.Availability.ItemMet)
	assert.Contains(t, unavailable.Availability.Reason, "bladed_weapon")
	assert.Empty(t, w.records, "nothing is written for an unavailable action")
}

func TestExecutePreparedStabUndetected(t *testing.T) {
	w := newWorld()
	actor := w.character(model.Stats{"agility": 5}, 1)
	target := w.character(model.Stats{"agility": 1, "wisdom": 1}, 0)
	w.place(actor, target, model.ZoneAdjacent)
	w.items[actor] = []model.InventoryItem{{ItemType: "dagger", Name: "Dagger", Quantity: 1, Tags: []string{"bladed_weapon"}}}
	pub := &publisher{}

	// attacker, defender, target perception roll, threshold roll
	svc := newService(t, w, pub, 4, 6, 1, 1)
	prepared := uuid.New()
	ec := actions.ExecutionContext{SessionID: uuid.New(), ActorID: actor, Turn: 3}
	res, err := svc.Execute(context.Background(), ec, actions.ExecuteInput{
		ActionID:         "stab_behind",
		TargetID:         target,
		IsPrepared:       true,
		PreparedActionID: &prepared,
	})
	require.NoError(t, err)

	assert.Equal(t, rules.SurpriseBonus, res.StatCheck.SurpriseBonus)
	assert.Equal(t, 4+5+3, res.StatCheck.AttackerTotal)
	assert.Equal(t, 6+1, res.StatCheck.DefenderTotal)
	assert.True(t, res.StatCheck.Success)
	assert.False(t, res.WasDetected)
	assert.Empty(t, res.DetectionEvents)
	assert.Equal(t, "damage", res.Outcome["type"])

	require.Len(t, w.records, 1)
	rec := w.records[0]
	assert.Empty(t, rec.Events, "no perception rows when nobody detects")
	assert.Equal(t, &prepared, rec.PreparedActionID)
	assert.Equal(t, 2, rec.CooldownTurns)
	assert.Equal(t, res.LogEntryID, rec.Log.ID)
	assert.Equal(t, 3, rec.Log.Turn)
	assert.Empty(t, pub.events)
}

func TestExecuteWhisperWitnesses(t *testing.T) {
	w := newWorld()
	actor := w.character(model.Stats{"charisma": 4}, 1)
	target := w.character(model.Stats{"wisdom": 1}, 0)
	w.place(actor, target, model.ZoneAdjacent)

	witnesses := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	slices.SortFunc(witnesses, func(a, b uuid.UUID) int { return bytes.Compare(a[:], b[:]) })
	// Witness i has wisdom[i]; passive perception equals wisdom.
	wisdom := []int{3, 1, 5}
	for i, id := range witnesses {
		w.profiles[id] = model.CharacterProfile{ID: id, Stats: model.Stats{"wisdom": wisdom[i]}}
	}
	// Nearby lists witnesses out of order, with a duplicate and out-of-range entries.
	w.place(actor, witnesses[2], model.ZoneMid)
	w.place(actor, witnesses[0], model.ZoneMid)
	w.place(actor, witnesses[1], model.ZoneMid)
	w.nearby[actor] = append(w.nearby[actor],
		model.Position{CharacterID: witnesses[0], Zone: model.ZoneMid},
		model.Position{CharacterID: actor, Zone: model.ZoneAdjacent},
		model.Position{CharacterID: w.character(model.Stats{"wisdom": 10}, 10), Zone: model.ZoneFar},
	)
	pub := &publisher{}

	svc := newService(t, w, pub,
		5, 5, // stat check
		1, 1, // target: 1+1 = 2, oblivious
		1, 1, // witness 0: 1+3 = 4, alert
		1, 1, // witness 1: 1+1 = 2, oblivious
		10, 1, // witness 2: 10+5 = 15 >= 5+10, hawkeye
	)
	ec := actions.ExecutionContext{SessionID: uuid.New(), ActorID: actor}
	res, err := svc.Execute(context.Background(), ec, actions.ExecuteInput{ActionID: "whisper", TargetID: target})
	require.NoError(t, err)

	assert.Equal(t, witnesses, res.Witnesses)
	require.Len(t, res.DetectionEvents, 2, "only witnesses whose check succeeded produce events")
	assert.Equal(t, witnesses[0], res.DetectionEvents[0].ObserverID)
	assert.Equal(t, model.AwarenessAlert, res.DetectionEvents[0].Perception.AwarenessLevel)
	assert.Equal(t, witnesses[2], res.DetectionEvents[1].ObserverID)
	assert.Equal(t, model.AwarenessHawkeye, res.DetectionEvents[1].Perception.AwarenessLevel)
	for _, d := range res.DetectionEvents {
		assert.False(t, d.IsTarget)
	}
	assert.True(t, res.WasDetected)

	require.Len(t, w.records, 1)
	events := w.records[0].Events
	require.Len(t, events, 2)
	for i, ev := range events {
		assert.Equal(t, actor, ev.TargetID, "events point at the actor")
		assert.Equal(t, res.DetectionEvents[i].EventID, ev.ID)
		assert.Equal(t, ec.SessionID, ev.SessionID)
	}
	assert.Len(t, pub.events, 2)
}

func TestExecuteTargetCheckedAtBaseDifficulty(t *testing.T) {
	w := newWorld()
	actor := w.character(nil, 1)
	target := w.character(model.Stats{"wisdom": 2}, 0)
	w.place(actor, target, model.ZoneAdjacent)

	// whisper difficulty 3: vigilant floor is 3/2+7 = 8 for the target.
	// 6+2 = 8 reaches it; a bystander at difficulty 5 would need 9.
	svc := newService(t, w, nil, 5, 5, 6, 1)
	ec := actions.ExecutionContext{SessionID: uuid.New(), ActorID: actor}
	res, err := svc.Execute(context.Background(), ec, actions.ExecuteInput{ActionID: "whisper", TargetID: target})
	require.NoError(t, err)

	require.Len(t, res.DetectionEvents, 1)
	assert.True(t, res.DetectionEvents[0].IsTarget)
	assert.Equal(t, model.AwarenessVigilant, res.DetectionEvents[0].Perception.AwarenessLevel)
}

func TestExecuteSelfTargetSkipsOwnPerception(t *testing.T) {
	w := newWorld()
	actor := w.character(model.Stats{"wisdom": 10}, 10)
	roller := rules.NewSequenceRoller(10)
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	cat, err := catalog.New(nil, 0, logger)
	require.NoError(t, err)
	svc := actions.New(actions.Config{
		Catalog: cat, Proximity: w, Inventory: w, Profiles: w, Store: w,
		Roller: roller, Logger: logger,
	})

	ec := actions.ExecutionContext{SessionID: uuid.New(), ActorID: actor}
	res, err := svc.Execute(context.Background(), ec, actions.ExecuteInput{ActionID: "whisper", TargetID: actor})
	require.NoError(t, err)
	assert.Empty(t, res.DetectionEvents)
	assert.Equal(t, 2, roller.Count(), "only the stat check rolls")
}

func TestExecuteUndetectableRollsOnce(t *testing.T) {
	w := newWorld()
	actor := w.character(model.Stats{"strength": 6}, 1)
	target := w.character(model.Stats{"strength": 2, "wisdom": 10}, 10)
	w.place(actor, target, model.ZoneAdjacent)
	witness := w.character(model.Stats{"wisdom": 10}, 10)
	w.place(actor, witness, model.ZoneClose)

	roller := rules.NewSequenceRoller(3, 3)
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	cat, err := catalog.New(nil, 0, logger)
	require.NoError(t, err)
	svc := actions.New(actions.Config{
		Catalog: cat, Proximity: w, Inventory: w, Profiles: w, Store: w,
		Roller: roller, Logger: logger,
	})

	ec := actions.ExecutionContext{SessionID: uuid.New(), ActorID: actor}
	res, err := svc.Execute(context.Background(), ec, actions.ExecuteInput{ActionID: "shove", TargetID: target})
	require.NoError(t, err)
	assert.Equal(t, 6, res.StatCheck.AttackerStat)
	assert.Equal(t, 2, res.StatCheck.DefenderStat)
	assert.False(t, res.WasDetected)
	assert.Equal(t, []uuid.UUID{witness}, res.Witnesses, "witnesses are recorded even when nobody checks")
	assert.Equal(t, 2, roller.Count())
}

func TestExecuteFailureUsesFailureEffect(t *testing.T) {
	w := newWorld()
	actor := w.character(model.Stats{"strength": 3}, 1)
	target := w.character(model.Stats{"strength": 9}, 1)
	w.place(actor, target, model.ZoneAdjacent)
	svc := newService(t, w, nil, 1, 10)

	ec := actions.ExecutionContext{SessionID: uuid.New(), ActorID: actor}
	res, err := svc.Execute(context.Background(), ec, actions.ExecuteInput{ActionID: "shove", TargetID: target})
	require.NoError(t, err)
	assert.False(t, res.StatCheck.Success)
	assert.Equal(t, "none", res.Outcome["type"])
	assert.Equal(t, 1+3-(10+9), res.StatCheck.Margin)
}

func TestExecuteCooldownBlocks(t *testing.T) {
	w := newWorld()
	actor := w.character(model.Stats{"agility": 5}, 1)
	target := w.character(nil, 1)
	w.place(actor, target, model.ZoneAdjacent)
	w.items[actor] = []model.InventoryItem{{ItemType: "bladed_weapon", Quantity: 1}}
	w.cooldowns["stab_behind"] = 2
	svc := newService(t, w, nil, 5)

	ec := actions.ExecutionContext{SessionID: uuid.New(), ActorID: actor}
	_, err := svc.Execute(context.Background(), ec, actions.ExecuteInput{ActionID: "stab_behind", TargetID: target})
	var unavailable *model.UnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.False(t, unavailable.Availability.CooldownMet)
	assert.Contains(t, unavailable.Availability.Reason, "cooldown")
}

func TestExecutePreconditions(t *testing.T) {
	w := newWorld()
	svc := newService(t, w, nil, 5)
	ctx := context.Background()
	actor, target := uuid.New(), uuid.New()

	cases := []struct {
		name string
		ec   actions.ExecutionContext
		in   actions.ExecuteInput
	}{
		{"no session", actions.ExecutionContext{ActorID: actor}, actions.ExecuteInput{ActionID: "shove", TargetID: target}},
		{"no actor", actions.ExecutionContext{SessionID: uuid.New()}, actions.ExecuteInput{ActionID: "shove", TargetID: target}},
		{"no target", actions.ExecutionContext{SessionID: uuid.New(), ActorID: actor}, actions.ExecuteInput{ActionID: "shove"}},
		{"no action", actions.ExecutionContext{SessionID: uuid.New(), ActorID: actor}, actions.ExecuteInput{TargetID: target}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Execute(ctx, tc.ec, tc.in)
			assert.ErrorIs(t, err, model.ErrPreconditionFailed)
		})
	}
	assert.Empty(t, w.records)
}

func TestExecuteUnknownAction(t *testing.T) {
	w := newWorld()
	actor := w.character(nil, 1)
	target := w.character(nil, 1)
	svc := newService(t, w, nil, 5)

	ec := actions.ExecutionContext{SessionID: uuid.New(), ActorID: actor}
	_, err := svc.Execute(context.Background(), ec, actions.ExecuteInput{ActionID: "backflip", TargetID: target})
	assert.ErrorIs(t, err, model.ErrUnknownAction)
}

func TestExecuteDependencyFailure(t *testing.T) {
	w := newWorld()
	actor := w.character(nil, 1)
	target := w.character(nil, 1)
	w.readErr = errors.New("connection refused")
	svc := newService(t, w, nil, 5)

	ec := actions.ExecutionContext{SessionID: uuid.New(), ActorID: actor}
	_, err := svc.Execute(context.Background(), ec, actions.ExecuteInput{ActionID: "shove", TargetID: target})
	assert.ErrorIs(t, err, model.ErrDependencyUnavailable)
	assert.Empty(t, w.records)
}

func TestExecuteUnknownCharacter(t *testing.T) {
	w := newWorld()
	actor := w.character(nil, 1)
	ghost := uuid.New()
	w.place(actor, ghost, model.ZoneClose)
	svc := newService(t, w, nil, 5)

	ec := actions.ExecutionContext{SessionID: uuid.New(), ActorID: actor}
	_, err := svc.Execute(context.Background(), ec, actions.ExecuteInput{ActionID: "whisper", TargetID: ghost})
	assert.ErrorIs(t, err, model.ErrCharacterNotFound)
	assert.NotErrorIs(t, err, model.ErrDependencyUnavailable)

	ec.ActorID = ghost
	_, err = svc.Execute(context.Background(), ec, actions.ExecuteInput{ActionID: "whisper", TargetID: actor})
	assert.ErrorIs(t, err, model.ErrCharacterNotFound)
	assert.NotErrorIs(t, err, model.ErrDependencyUnavailable)
	assert.Empty(t, w.records)
}

func TestExecuteMissingWitnessProfile(t *testing.T) {
	w := newWorld()
	actor := w.character(nil, 1)
	target := w.character(nil, 1)
	w.place(actor, target, model.ZoneAdjacent)
	w.nearby[actor] = append(w.nearby[actor], model.Position{CharacterID: uuid.New(), Zone: model.ZoneClose})
	roller := rules.NewSequenceRoller(5)
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	cat, err := catalog.New(nil, 0, logger)
	require.NoError(t, err)
	svc := actions.New(actions.Config{
		Catalog: cat, Proximity: w, Inventory: w, Profiles: w, Store: w,
		Roller: roller, Logger: logger,
	})

	ec := actions.ExecutionContext{SessionID: uuid.New(), ActorID: actor}
	_, err = svc.Execute(context.Background(), ec, actions.ExecuteInput{ActionID: "whisper", TargetID: target})
	assert.ErrorIs(t, err, model.ErrCharacterNotFound)
	assert.NotErrorIs(t, err, model.ErrDependencyUnavailable)
	assert.Zero(t, roller.Count(), "no dice are rolled before every read succeeds")
	assert.Empty(t, w.records)
}

func TestExecutePersistenceErrors(t *testing.T) {
	cases := []struct {
		name   string
		stored error
		want   error
	}{
		{"cooldown race", model.ErrCooldownActive, model.ErrCooldownActive},
		{"prepared race", model.ErrPreparedActionUsed, model.ErrPreparedActionUsed},
		{"tx failure", errors.New("deadlock"), model.ErrPersistence},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := newWorld()
			actor := w.character(nil, 1)
			target := w.character(nil, 1)
			w.place(actor, target, model.ZoneAdjacent)
			w.recordErr = tc.stored
			pub := &publisher{}
			svc := newService(t, w, pub, 10, 1, 10, 10)

			ec := actions.ExecutionContext{SessionID: uuid.New(), ActorID: actor}
			_, err := svc.Execute(context.Background(), ec, actions.ExecuteInput{ActionID: "whisper", TargetID: target})
			assert.ErrorIs(t, err, tc.want)
			assert.Empty(t, pub.events, "nothing is published for an unrecorded execution")
		})
	}
}

func TestGetAvailableActions(t *testing.T) {
	w := newWorld()
	actor := w.character(model.Stats{"agility": 5, "strength": 2}, 1)
	target := w.character(nil, 1)
	w.place(actor, target, model.ZoneAdjacent)
	svc := newService(t, w, nil, 5)

	ec := actions.ExecutionContext{SessionID: uuid.New(), ActorID: actor}
	opts, err := svc.GetAvailableActions(context.Background(), ec, target)
	require.NoError(t, err)

	byID := map[string]model.ActionAvailability{}
	for _, o := range opts {
		byID[o.Action.ID] = o.Availability
	}
	builtins, err := catalog.Builtins()
	require.NoError(t, err)
	assert.Len(t, opts, len(builtins))
	assert.False(t, byID["stab_behind"].Available)
	assert.False(t, byID["shove"].StatMet)
	assert.True(t, byID["whisper"].Available)
	assert.True(t, byID["follow"].RangeMet)
}

func TestCheckAvailabilityOutOfRange(t *testing.T) {
	w := newWorld()
	actor := w.character(nil, 1)
	target := w.character(nil, 1)
	svc := newService(t, w, nil, 5)

	ec := actions.ExecutionContext{SessionID: uuid.New(), ActorID: actor}
	av, err := svc.CheckAvailability(context.Background(), ec, "whisper", target)
	require.NoError(t, err)
	assert.False(t, av.Available)
	assert.False(t, av.RangeMet)
	assert.Contains(t, av.Reason, "far")
}

func TestWitnessesFilter(t *testing.T) {
	actor, target := uuid.New(), uuid.New()
	a, b := uuid.New(), uuid.New()
	got := actions.Witnesses([]model.Position{
		{CharacterID: b, Zone: model.ZoneMid},
		{CharacterID: a, Zone: model.ZoneAdjacent},
		{CharacterID: a, Zone: model.ZoneClose},
		{CharacterID: target, Zone: model.ZoneAdjacent},
		{CharacterID: actor, Zone: model.ZoneAdjacent},
		{CharacterID: uuid.New(), Zone: model.ZoneFar},
		{CharacterID: uuid.Nil, Zone: model.ZoneClose},
	}, actor, target)

	want := []uuid.UUID{a, b}
	slices.SortFunc(want, func(x, y uuid.UUID) int { return bytes.Compare(x[:], y[:]) })
	assert.Equal(t, want, got)
}

func TestRollHelpersUseInjectedRoller(t *testing.T) {
	w := newWorld()
	svc := newService(t, w, nil, 7, 2)

	res := svc.RollStatCheck(50, -3, false)
	assert.Equal(t, model.MaxStat, res.AttackerStat)
	assert.Equal(t, model.MinStat, res.DefenderStat)
	assert.Equal(t, 7, res.AttackerRoll)
	assert.Equal(t, 2, res.DefenderRoll)

	pr := svc.ResolvePerception(model.Stats{"wisdom": 4}, 2, 0, 0)
	assert.Equal(t, 7+4+1, pr.PerceptionScore)
}
