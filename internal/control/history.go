package control

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/NodePath81/droprate/internal/journal"
	"github.com/NodePath81/droprate/internal/trial"
)

// History is the persisted record of sessions, including runs of earlier
// processes that the status store never saw.
type History interface {
	Sessions(ctx context.Context) ([]journal.Session, error)
	Session(ctx context.Context, id string) (journal.Session, error)
	Trials(ctx context.Context, sessionID string) ([]trial.Measurement, error)
}

type historySession struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Kind       string `json:"kind"`
	Repetition int    `json:"repetition"`
	StartedAt  int64  `json:"started_at"`
	FinishedAt int64  `json:"finished_at,omitempty"`
	Converged  bool   `json:"converged"`
	Reason     string `json:"reason,omitempty"`
	Trials     int    `json:"trials"`
}

func toHistorySession(s journal.Session) historySession {
	out := historySession{
		ID:         s.ID,
		Name:       s.Name,
		Kind:       s.Kind,
		Repetition: s.Repetition,
		StartedAt:  s.StartedAt.UnixMilli(),
		Converged:  s.Converged,
		Reason:     s.Reason,
		Trials:     s.Trials,
	}
	if s.Finished() {
		out.FinishedAt = s.FinishedAt.UnixMilli()
	}
	return out
}

func toTrialEvent(sessionID string, m trial.Measurement) TrialEvent {
	return TrialEvent{
		Session:    sessionID,
		DurationMs: m.Duration().Milliseconds(),
		Rate:       m.TargetTR(),
		Transmit:   m.TransmitCount(),
		Loss:       m.LossCount(),
		LossRatio:  m.LossRatio(),
	}
}

// SetHistory enables the journal backed RPC methods.
func (c *ControlServer) SetHistory(history History) {
	c.history = history
}

func (c *ControlServer) rpcListHistory(w http.ResponseWriter, r *http.Request) {
	if c.history == nil {
		writeJSON(w, http.StatusNotFound, rpcResponse{Ok: false, Error: "journal disabled"})
		return
	}
	sessions, err := c.history.Sessions(r.Context())
	if err != nil {
		c.logger.Error("journal read failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, rpcResponse{Ok: false, Error: "journal read failed"})
		return
	}
	out := make([]historySession, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, toHistorySession(s))
	}
	writeJSON(w, http.StatusOK, rpcResponse{Ok: true, Result: out})
}

func (c *ControlServer) rpcGetTrials(w http.ResponseWriter, r *http.Request, id string) {
	if c.history == nil {
		writeJSON(w, http.StatusNotFound, rpcResponse{Ok: false, Error: "journal disabled"})
		return
	}
	id = strings.TrimSpace(id)
	if _, err := c.history.Session(r.Context(), id); err != nil {
		c.writeHistoryError(w, err)
		return
	}
	trials, err := c.history.Trials(r.Context(), id)
	if err != nil {
		c.writeHistoryError(w, err)
		return
	}
	out := make([]TrialEvent, 0, len(trials))
	for _, m := range trials {
		out = append(out, toTrialEvent(id, m))
	}
	writeJSON(w, http.StatusOK, rpcResponse{Ok: true, Result: out})
}

// historySessionByID looks a session up in the journal when the status
// store does not know it.
func (c *ControlServer) historySessionByID(ctx context.Context, id string) (historySession, bool, error) {
	if c.history == nil {
		return historySession{}, false, nil
	}
	s, err := c.history.Session(ctx, id)
	if errors.Is(err, journal.ErrUnknownSession) {
		return historySession{}, false, nil
	}
	if err != nil {
		return historySession{}, false, err
	}
	return toHistorySession(s), true, nil
}

func (c *ControlServer) writeHistoryError(w http.ResponseWriter, err error) {
	if errors.Is(err, journal.ErrUnknownSession) {
		writeJSON(w, http.StatusNotFound, rpcResponse{Ok: false, Error: "session not found"})
		return
	}
	c.logger.Error("journal read failed", "error", err)
	writeJSON(w, http.StatusInternalServerError, rpcResponse{Ok: false, Error: "journal read failed"})
}
