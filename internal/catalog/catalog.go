// Package catalog serves the set of physical actions available in a
// campaign: the embedded built-ins plus the campaign's enabled custom
// definitions.
package catalog

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/kehai/internal/model"
)

//go:embed builtin.yaml
var builtinYAML []byte

//go:embed action.schema.json
var actionSchemaJSON string

const actionSchemaURL = "https://kehai.dev/schemas/action.schema.json"

// CustomActionStore reads campaign-scoped action definitions.
type CustomActionStore interface {
	ListEnabledCustomActions(ctx context.Context, campaignID uuid.UUID) ([]model.CustomActionRecord, error)
}

// Catalog merges built-in and custom actions. Safe for concurrent use.
type Catalog struct {
	store    CustomActionStore
	cache    *campaignCache
	logger   *slog.Logger
	schema   *jsonschema.Schema
	builtins []model.PhysicalAction
}

var (
	builtinOnce sync.Once
	builtinSet  []model.PhysicalAction
	builtinErr  error
)

// Builtins returns the built-in actions. The embedded document is parsed once
// per process; callers receive their own slice.
func Builtins() ([]model.PhysicalAction, error) {
	builtinOnce.Do(func() {
		builtinSet, builtinErr = parseBuiltins(builtinYAML)
	})
	if builtinErr != nil {
		return nil, builtinErr
	}
	return slices.Clone(builtinSet), nil
}

func parseBuiltins(raw []byte) ([]model.PhysicalAction, error) {
	var doc struct {
		Actions []model.PhysicalAction `yaml:"actions"`
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("catalog: parse builtins: %w", err)
	}
	seen := make(map[string]bool, len(doc.Actions))
	for _, a := range doc.Actions {
		if err := a.Validate(); err != nil {
			return nil, fmt.Errorf("catalog: builtin: %w", err)
		}
		if seen[a.ID] {
			return nil, fmt.Errorf("catalog: duplicate builtin id %q", a.ID)
		}
		seen[a.ID] = true
	}
	return doc.Actions, nil
}

// New creates a Catalog. A ttl of zero disables caching of custom sets.
// Call Close to stop the cache's eviction goroutine.
func New(store CustomActionStore, ttl time.Duration, logger *slog.Logger) (*Catalog, error) {
	builtins, err := Builtins()
	if err != nil {
		return nil, err
	}
	schema, err := jsonschema.CompileString(actionSchemaURL, actionSchemaJSON)
	if err != nil {
		return nil, fmt.Errorf("catalog: compile action schema: %w", err)
	}
	c := &Catalog{
		store:    store,
		logger:   logger,
		schema:   schema,
		builtins: builtins,
	}
	if ttl > 0 {
		c.cache = newCampaignCache(ttl)
	}
	return c, nil
}

// Close stops background work.
func (c *Catalog) Close() {
	if c.cache != nil {
		c.cache.Close()
	}
}

// ListActions returns the built-ins followed by the campaign's enabled custom
// actions. The union is additive: a custom action sharing a built-in's id is
// listed alongside it. A nil campaign returns only built-ins.
func (c *Catalog) ListActions(ctx context.Context, campaignID uuid.UUID) ([]model.PhysicalAction, error) {
	custom, err := c.customActions(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	out := make([]model.PhysicalAction, 0, len(c.builtins)+len(custom))
	out = append(out, c.builtins...)
	out = append(out, custom...)
	return out, nil
}

// Find returns the action with the given id. Built-ins win an id collision.
func (c *Catalog) Find(ctx context.Context, campaignID uuid.UUID, actionID string) (model.PhysicalAction, error) {
	for _, a := range c.builtins {
		if a.ID == actionID {
			return a, nil
		}
	}
	custom, err := c.customActions(ctx, campaignID)
	if err != nil {
		return model.PhysicalAction{}, err
	}
	for _, a := range custom {
		if a.ID == actionID {
			return a, nil
		}
	}
	return model.PhysicalAction{}, fmt.Errorf("catalog: %q: %w", actionID, model.ErrUnknownAction)
}

// Invalidate drops the cached custom set for a campaign.
func (c *Catalog) Invalidate(campaignID uuid.UUID) {
	if c.cache != nil {
		c.cache.Delete(campaignID)
	}
}

func (c *Catalog) customActions(ctx context.Context, campaignID uuid.UUID) ([]model.PhysicalAction, error) {
	if campaignID == uuid.Nil || c.store == nil {
		return nil, nil
	}
	if c.cache != nil {
		if actions, ok := c.cache.Get(campaignID); ok {
			return actions, nil
		}
	}

	records, err := c.store.ListEnabledCustomActions(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("catalog: list custom actions: %w: %w", model.ErrDependencyUnavailable, err)
	}

	actions := make([]model.PhysicalAction, 0, len(records))
	for _, rec := range records {
		if !rec.IsEnabled {
			continue
		}
		a, err := c.decodeCustom(rec)
		if err != nil {
			c.logger.Warn("catalog: skipping invalid custom action",
				"campaign_id", campaignID, "action_id", rec.ActionID, "error", err)
			continue
		}
		actions = append(actions, a)
	}

	if c.cache != nil {
		c.cache.Set(campaignID, actions)
	}
	return actions, nil
}

// decodeCustom validates a stored definition against the action schema and
// decodes it.
func (c *Catalog) decodeCustom(rec model.CustomActionRecord) (model.PhysicalAction, error) {
	var doc any
	if err := json.Unmarshal(rec.Definition, &doc); err != nil {
		return model.PhysicalAction{}, fmt.Errorf("decode definition: %w", err)
	}
	if err := c.schema.Validate(doc); err != nil {
		return model.PhysicalAction{}, fmt.Errorf("schema: %w", err)
	}

	var a model.PhysicalAction
	if err := json.Unmarshal(rec.Definition, &a); err != nil {
		return model.PhysicalAction{}, fmt.Errorf("decode action: %w", err)
	}
	if rec.ActionID != "" && a.ID != rec.ActionID {
		return model.PhysicalAction{}, fmt.Errorf("definition id %q does not match record id %q", a.ID, rec.ActionID)
	}
	if err := a.Validate(); err != nil {
		return model.PhysicalAction{}, err
	}
	campaignID := rec.CampaignID
	a.Custom = true
	a.CampaignID = &campaignID
	return a, nil
}
