// Package actions orchestrates action execution: availability, the opposed
// stat check, witness enumeration, perception, and the atomic write of the
// outcome.
//
// The HTTP API delegates to this service. All randomness flows through one
// injected rules.Roller and every collaborator is an interface, so a fixed
// roll sequence and in-memory fakes reproduce any execution exactly.
package actions

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/kehai/internal/model"
	"github.com/ashita-ai/kehai/internal/rules"
	"github.com/ashita-ai/kehai/internal/telemetry"
)

// DefaultWorkers bounds concurrent profile reads during perception fan-out.
const DefaultWorkers = 8

// Catalog resolves action definitions.
type Catalog interface {
	ListActions(ctx context.Context, campaignID uuid.UUID) ([]model.PhysicalAction, error)
	Find(ctx context.Context, campaignID uuid.UUID, actionID string) (model.PhysicalAction, error)
}

// Proximity reports zones between characters in a session.
type Proximity interface {
	ZoneBetween(ctx context.Context, sessionID, character, other uuid.UUID) (model.Zone, error)
	Nearby(ctx context.Context, sessionID, character uuid.UUID) ([]model.Position, error)
}

// Inventory lists a character's items.
type Inventory interface {
	ItemsOf(ctx context.Context, characterID uuid.UUID) ([]model.InventoryItem, error)
}

// Profiles reads character stats and level.
type Profiles interface {
	GetCharacterProfile(ctx context.Context, characterID uuid.UUID) (model.CharacterProfile, error)
}

// ExecutionStore reads cooldowns and persists executions atomically.
type ExecutionStore interface {
	CooldownRemaining(ctx context.Context, sessionID, actorID uuid.UUID, turn int) (map[string]int, error)
	RecordExecution(ctx context.Context, rec model.ExecutionRecord) error
}

// Publisher receives perception events after they are committed.
type Publisher interface {
	Publish(events []model.PerceptionEvent)
}

// Config wires a Service. Publisher may be nil. Workers <= 0 uses DefaultWorkers.
type Config struct {
	Catalog   Catalog
	Proximity Proximity
	Inventory Inventory
	Profiles  Profiles
	Store     ExecutionStore
	Publisher Publisher
	Roller    rules.Roller
	Workers   int
	Logger    *slog.Logger
}

// Service executes and evaluates actions.
type Service struct {
	catalog   Catalog
	proximity Proximity
	inventory Inventory
	profiles  Profiles
	store     ExecutionStore
	publisher Publisher
	roller    rules.Roller
	workers   int
	logger    *slog.Logger
	tracer    trace.Tracer

	executeDuration metric.Float64Histogram
	executeCount    metric.Int64Counter
	detections      metric.Int64Counter
}

// New creates an action Service.
func New(cfg Config) *Service {
	meter := telemetry.Meter("kehai/actions")
	execDur, _ := meter.Float64Histogram("kehai.execute.duration",
		metric.WithDescription("Time to execute an action, including persistence (ms)"),
		metric.WithUnit("ms"),
	)
	execCount, _ := meter.Int64Counter("kehai.execute.count",
		metric.WithDescription("Action executions by category and result"),
	)
	detections, _ := meter.Int64Counter("kehai.perception.detections",
		metric.WithDescription("Perception events created, by awareness level"),
	)

	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	roller := cfg.Roller
	if roller == nil {
		roller = rules.NewRandRoller(0)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		catalog:         cfg.Catalog,
		proximity:       cfg.Proximity,
		inventory:       cfg.Inventory,
		profiles:        cfg.Profiles,
		store:           cfg.Store,
		publisher:       cfg.Publisher,
		roller:          roller,
		workers:         workers,
		logger:          logger,
		tracer:          telemetry.Tracer("kehai/actions"),
		executeDuration: execDur,
		executeCount:    execCount,
		detections:      detections,
	}
}

// ExecutionContext identifies who acts, where and when. It replaces any
// ambient session state: every call receives it explicitly.
type ExecutionContext struct {
	SessionID   uuid.UUID
	CampaignID  uuid.UUID
	ActorID     uuid.UUID
	Turn        int
	EnvModifier int
}

// ExecuteInput is one attempted action.
type ExecuteInput struct {
	ActionID         string
	TargetID         uuid.UUID
	IsPrepared       bool
	PreparedActionID *uuid.UUID
}

// ExecutionResult is returned to the caller once the execution is durable.
type ExecutionResult struct {
	LogEntryID      uuid.UUID              `json:"log_entry_id"`
	Action          model.PhysicalAction   `json:"action"`
	StatCheck       model.StatCheckResult  `json:"stat_check"`
	WasDetected     bool                   `json:"was_detected"`
	Outcome         model.Effect           `json:"outcome"`
	Witnesses       []uuid.UUID            `json:"witnesses"`
	DetectionEvents []model.DetectionEvent `json:"detection_events"`
}

func (ec ExecutionContext) validate(targetID uuid.UUID) error {
	switch {
	case ec.SessionID == uuid.Nil:
		return fmt.Errorf("actions: missing session: %w", model.ErrPreconditionFailed)
	case ec.ActorID == uuid.Nil:
		return fmt.Errorf("actions: missing actor: %w", model.ErrPreconditionFailed)
	case targetID == uuid.Nil:
		return fmt.Errorf("actions: missing target: %w", model.ErrPreconditionFailed)
	}
	return nil
}

// ListActions returns every action defined for the campaign.
func (s *Service) ListActions(ctx context.Context, campaignID uuid.UUID) ([]model.PhysicalAction, error) {
	actions, err := s.catalog.ListActions(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("actions: list: %w", err)
	}
	return actions, nil
}

// CheckAvailability evaluates one action for the actor against target.
func (s *Service) CheckAvailability(ctx context.Context, ec ExecutionContext, actionID string, targetID uuid.UUID) (model.ActionAvailability, error) {
	if err := ec.validate(targetID); err != nil {
		return model.ActionAvailability{}, err
	}
	action, err := s.catalog.Find(ctx, ec.CampaignID, actionID)
	if err != nil {
		return model.ActionAvailability{}, fmt.Errorf("actions: check: %w", err)
	}
	state, _, err := s.loadActorState(ctx, ec, targetID)
	if err != nil {
		return model.ActionAvailability{}, err
	}
	return rules.CheckAvailability(action, state), nil
}

// GetAvailableActions evaluates every catalog action for the actor against
// target. Actor state is loaded once.
func (s *Service) GetAvailableActions(ctx context.Context, ec ExecutionContext, targetID uuid.UUID) ([]model.ActionOption, error) {
	if err := ec.validate(targetID); err != nil {
		return nil, err
	}
	actions, err := s.catalog.ListActions(ctx, ec.CampaignID)
	if err != nil {
		return nil, fmt.Errorf("actions: available: %w", err)
	}
	state, _, err := s.loadActorState(ctx, ec, targetID)
	if err != nil {
		return nil, err
	}
	out := make([]model.ActionOption, len(actions))
	for i, a := range actions {
		out[i] = model.ActionOption{Action: a, Availability: rules.CheckAvailability(a, state)}
	}
	return out, nil
}

// Execute resolves one action end to end.
//
// Errors: model.ErrPreconditionFailed (no I/O performed),
// *model.UnavailableError (nothing written), model.ErrUnknownAction,
// model.ErrDependencyUnavailable (a read failed before any write),
// model.ErrCooldownActive and model.ErrPreparedActionUsed (lost a race; the
// transaction rolled back), model.ErrPersistence (the transaction failed).
// A result is only returned once the log entry and its perception events are
// committed.
func (s *Service) Execute(ctx context.Context, ec ExecutionContext, in ExecuteInput) (ExecutionResult, error) {
	ctx, span := s.tracer.Start(ctx, "actions.Execute", trace.WithAttributes(
		attribute.String("kehai.session_id", ec.SessionID.String()),
		attribute.String("kehai.actor_id", ec.ActorID.String()),
		attribute.String("kehai.target_id", in.TargetID.String()),
		attribute.String("kehai.action_id", in.ActionID),
		attribute.Bool("kehai.prepared", in.IsPrepared),
	))
	defer span.End()

	start := time.Now()
	res, category, err := s.execute(ctx, ec, in)
	s.executeDuration.Record(ctx, float64(time.Since(start).Milliseconds()))

	result := resultLabel(res, err)
	s.executeCount.Add(ctx, 1, metric.WithAttributes(
		attribute.String("category", string(category)),
		attribute.String("result", result),
	))
	span.SetAttributes(attribute.String("kehai.result", result))
	if err != nil {
		var unavailable *model.UnavailableError
		if !errors.As(err, &unavailable) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return ExecutionResult{}, err
	}
	span.SetAttributes(
		attribute.Bool("kehai.success", res.StatCheck.Success),
		attribute.Bool("kehai.detected", res.WasDetected),
		attribute.Int("kehai.witnesses", len(res.Witnesses)),
	)
	return res, nil
}

func (s *Service) execute(ctx context.Context, ec ExecutionContext, in ExecuteInput) (ExecutionResult, model.ActionCategory, error) {
	if err := ec.validate(in.TargetID); err != nil {
		return ExecutionResult{}, "", err
	}
	if in.ActionID == "" {
		return ExecutionResult{}, "", fmt.Errorf("actions: missing action: %w", model.ErrPreconditionFailed)
	}

	action, err := s.catalog.Find(ctx, ec.CampaignID, in.ActionID)
	if err != nil {
		return ExecutionResult{}, "", fmt.Errorf("actions: execute: %w", err)
	}

	state, actor, err := s.loadActorState(ctx, ec, in.TargetID)
	if err != nil {
		return ExecutionResult{}, action.Category, err
	}
	if av := rules.CheckAvailability(action, state); !av.Available {
		return ExecutionResult{}, action.Category, &model.UnavailableError{ActionID: action.ID, Availability: av}
	}

	target, err := s.profile(ctx, in.TargetID)
	if err != nil {
		return ExecutionResult{}, action.Category, err
	}
	witnesses, err := s.witnesses(ctx, ec, in.TargetID)
	if err != nil {
		return ExecutionResult{}, action.Category, err
	}

	// Every read that can fail happens before the first roll.
	var witnessProfiles []model.CharacterProfile
	if action.IsDetectable {
		witnessProfiles, err = s.fetchProfiles(ctx, witnesses)
		if err != nil {
			return ExecutionResult{}, action.Category, err
		}
	}

	attackerStat, defenderStat := rules.ContestStats(action, actor.Stats, target.Stats)
	check := rules.RollStatCheck(s.roller, attackerStat, defenderStat, in.IsPrepared)

	now := time.Now().UTC()
	var (
		detections []model.DetectionEvent
		events     []model.PerceptionEvent
	)
	if action.IsDetectable {
		observe := func(p model.CharacterProfile, isTarget bool) {
			difficulty := action.DetectionDifficulty
			if !isTarget {
				difficulty += rules.BystanderPenalty
			}
			pr := rules.ResolvePerception(s.roller, p.Stats, p.Level, difficulty, ec.EnvModifier)
			if !pr.Detected {
				return
			}
			ev := model.PerceptionEvent{
				ID:             uuid.New(),
				SessionID:      ec.SessionID,
				ObserverID:     p.ID,
				TargetID:       ec.ActorID,
				PerceptionRoll: pr.PerceptionScore,
				DetectionLevel: pr.AwarenessLevel,
				Message:        pr.Message,
				CreatedAt:      now,
			}
			events = append(events, ev)
			detections = append(detections, model.DetectionEvent{
				ObserverID: p.ID,
				IsTarget:   isTarget,
				Perception: pr,
				EventID:    ev.ID,
			})
		}
		// Target first, then witnesses in id order.
		if in.TargetID != ec.ActorID {
			observe(target, true)
		}
		for _, p := range witnessProfiles {
			observe(p, false)
		}
	}

	outcome := action.FailureEffect
	if check.Success {
		outcome = action.SuccessEffect
	}

	rec := model.ExecutionRecord{
		Log: model.ActionLogEntry{
			ID:             uuid.New(),
			SessionID:      ec.SessionID,
			ActorID:        ec.ActorID,
			TargetID:       in.TargetID,
			ActionID:       action.ID,
			ActionCategory: action.Category,
			StatCheck:      check,
			WasDetected:    len(detections) > 0,
			Outcome:        outcome,
			WitnessIDs:     witnesses,
			Turn:           ec.Turn,
			CreatedAt:      now,
		},
		Events:           events,
		PreparedActionID: in.PreparedActionID,
		CooldownTurns:    action.CooldownTurns,
	}
	if err := s.store.RecordExecution(ctx, rec); err != nil {
		if errors.Is(err, model.ErrCooldownActive) || errors.Is(err, model.ErrPreparedActionUsed) {
			return ExecutionResult{}, action.Category, fmt.Errorf("actions: execute: %w", err)
		}
		return ExecutionResult{}, action.Category, fmt.Errorf("actions: execute: %w: %w", model.ErrPersistence, err)
	}

	for _, ev := range events {
		s.detections.Add(ctx, 1, metric.WithAttributes(attribute.String("level", string(ev.DetectionLevel))))
	}
	if s.publisher != nil && len(events) > 0 {
		s.publisher.Publish(events)
	}

	if detections == nil {
		detections = []model.DetectionEvent{}
	}
	return ExecutionResult{
		LogEntryID:      rec.Log.ID,
		Action:          action,
		StatCheck:       check,
		WasDetected:     rec.Log.WasDetected,
		Outcome:         outcome,
		Witnesses:       witnesses,
		DetectionEvents: detections,
	}, action.Category, nil
}

// RollStatCheck exposes the opposed check using the service's roller.
func (s *Service) RollStatCheck(attackerStat, defenderStat int, isSurprise bool) model.StatCheckResult {
	return rules.RollStatCheck(s.roller, model.ClampStat(attackerStat), model.ClampStat(defenderStat), isSurprise)
}

// ResolvePerception exposes a single perception roll using the service's roller.
func (s *Service) ResolvePerception(stats model.Stats, level, difficulty, envModifier int) model.PerceptionResult {
	return rules.ResolvePerception(s.roller, stats, level, difficulty, envModifier)
}

// loadActorState reads the actor's zone to the target, inventory, profile
// and cooldowns concurrently.
func (s *Service) loadActorState(ctx context.Context, ec ExecutionContext, targetID uuid.UUID) (rules.ActorState, model.CharacterProfile, error) {
	var (
		state   rules.ActorState
		profile model.CharacterProfile
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if targetID == ec.ActorID {
			state.ZoneToTarget = model.ZoneAdjacent
			return nil
		}
		z, err := s.proximity.ZoneBetween(gctx, ec.SessionID, ec.ActorID, targetID)
		if err != nil {
			return fmt.Errorf("zone to target: %w", err)
		}
		state.ZoneToTarget = z
		return nil
	})
	g.Go(func() error {
		items, err := s.inventory.ItemsOf(gctx, ec.ActorID)
		if err != nil {
			return fmt.Errorf("inventory: %w", err)
		}
		state.Inventory = items
		return nil
	})
	g.Go(func() error {
		p, err := s.profiles.GetCharacterProfile(gctx, ec.ActorID)
		if err != nil {
			return fmt.Errorf("actor profile: %w", err)
		}
		profile = p
		return nil
	})
	g.Go(func() error {
		cd, err := s.store.CooldownRemaining(gctx, ec.SessionID, ec.ActorID, ec.Turn)
		if err != nil {
			return fmt.Errorf("cooldowns: %w", err)
		}
		state.CooldownRemaining = cd
		return nil
	})
	if err := g.Wait(); err != nil {
		if errors.Is(err, model.ErrCharacterNotFound) {
			return rules.ActorState{}, model.CharacterProfile{}, fmt.Errorf("actions: load actor state: %w", err)
		}
		return rules.ActorState{}, model.CharacterProfile{}, fmt.Errorf("actions: load actor state: %w: %w", model.ErrDependencyUnavailable, err)
	}
	state.Stats = profile.Stats
	return state, profile, nil
}

func (s *Service) profile(ctx context.Context, id uuid.UUID) (model.CharacterProfile, error) {
	p, err := s.profiles.GetCharacterProfile(ctx, id)
	if errors.Is(err, model.ErrCharacterNotFound) {
		return model.CharacterProfile{}, fmt.Errorf("actions: profile: %w", err)
	}
	if err != nil {
		return model.CharacterProfile{}, fmt.Errorf("actions: profile %s: %w: %w", id, model.ErrDependencyUnavailable, err)
	}
	if p.ID == uuid.Nil {
		p.ID = id
	}
	return p, nil
}

// witnesses lists characters within witness range of the actor, excluding
// the actor and the target, de-duplicated and sorted by id.
func (s *Service) witnesses(ctx context.Context, ec ExecutionContext, targetID uuid.UUID) ([]uuid.UUID, error) {
	positions, err := s.proximity.Nearby(ctx, ec.SessionID, ec.ActorID)
	if err != nil {
		return nil, fmt.Errorf("actions: nearby: %w: %w", model.ErrDependencyUnavailable, err)
	}
	return Witnesses(positions, ec.ActorID, targetID), nil
}

// Witnesses filters positions to characters who can see an act by actor
// against target.
func Witnesses(positions []model.Position, actorID, targetID uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(positions))
	out := make([]uuid.UUID, 0, len(positions))
	for _, p := range positions {
		id := p.CharacterID
		if id == uuid.Nil || id == actorID || id == targetID || seen[id] {
			continue
		}
		if !model.IsWitnessZone(p.Zone) {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	slices.SortFunc(out, func(a, b uuid.UUID) int {
		return bytes.Compare(a[:], b[:])
	})
	return out
}

// fetchProfiles reads profiles with bounded concurrency. The result is in
// the same order as ids.
func (s *Service) fetchProfiles(ctx context.Context, ids []uuid.UUID) ([]model.CharacterProfile, error) {
	out := make([]model.CharacterProfile, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, id := range ids {
		g.Go(func() error {
			p, err := s.profile(gctx, id)
			if err != nil {
				return err
			}
			out[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func resultLabel(res ExecutionResult, err error) string {
	var unavailable *model.UnavailableError
	switch {
	case err == nil && res.StatCheck.Success:
		return "success"
	case err == nil:
		return "failure"
	case errors.As(err, &unavailable):
		return "unavailable"
	case errors.Is(err, model.ErrPreconditionFailed):
		return "precondition"
	case errors.Is(err, model.ErrDependencyUnavailable):
		return "dependency"
	case errors.Is(err, model.ErrCooldownActive), errors.Is(err, model.ErrPreparedActionUsed):
		return "conflict"
	default:
		return "error"
	}
}
