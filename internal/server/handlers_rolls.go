package server

import (
	"fmt"
	"net/http"

	"github.com/ashita-ai/kehai/internal/model"
	"github.com/ashita-ai/kehai/internal/rules"
)

// HandleStatCheck handles POST /v1/rolls/stat-check.
func (h *Handlers) HandleStatCheck(w http.ResponseWriter, r *http.Request) {
	var req model.StatCheckRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := validateStat("attacker_stat", req.AttackerStat); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if err := validateStat("defender_stat", req.DefenderStat); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, h.actions.RollStatCheck(req.AttackerStat, req.DefenderStat, req.IsSurprise))
}

// HandlePerceptionRoll handles POST /v1/rolls/perception.
func (h *Handlers) HandlePerceptionRoll(w http.ResponseWriter, r *http.Request) {
	var req model.PerceptionRollRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, h.actions.ResolvePerception(req.Stats, req.Level, req.Difficulty, req.EnvModifier))
}

// HandlePassivePerception handles POST /v1/rolls/passive-perception. No
// dice are rolled.
func (h *Handlers) HandlePassivePerception(w http.ResponseWriter, r *http.Request) {
	var req model.PassivePerceptionRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Level < 0 || req.Level > model.MaxRollLevel {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			fmt.Sprintf("level must be between 0 and %d", model.MaxRollLevel))
		return
	}
	writeJSON(w, r, http.StatusOK, model.PassivePerceptionResponse{
		PassivePerception: rules.PassivePerception(req.Stats, req.Level),
	})
}

func validateStat(name string, v int) error {
	if v < 0 || v > model.MaxRollStatValue {
		return fmt.Errorf("%s must be between 0 and %d", name, model.MaxRollStatValue)
	}
	return nil
}
