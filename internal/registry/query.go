package registry

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haivemind/haivemind/internal/bus"
	"github.com/haivemind/haivemind/internal/model"
)

// queryPayload rides on agent_query events.
type queryPayload struct {
	QueryID  uuid.UUID `json:"query_id"`
	AgentID  string    `json:"agent_id"`
	Question string    `json:"question"`
	AskedBy  string    `json:"asked_by"`
}

// answerPayload rides on agent_answer events.
type answerPayload struct {
	QueryID uuid.UUID `json:"query_id"`
	AgentID string    `json:"agent_id"`
	Answer  string    `json:"answer"`
}

// rendezvous matches answers arriving on the bus to waiting queries. Queries
// and answers are ephemeral bus traffic; the sync mirror carries them across
// nodes but they never enter the journal.
type rendezvous struct {
	logger *slog.Logger

	mu      sync.Mutex
	waiting map[uuid.UUID]chan answerPayload

	unsubscribe func()
}

func newRendezvous(b bus.Bus, logger *slog.Logger) (*rendezvous, error) {
	rv := &rendezvous{
		logger:  logger,
		waiting: make(map[uuid.UUID]chan answerPayload),
	}
	unsub, err := b.Subscribe(func(_ context.Context, ev model.SyncEvent) {
		if ev.Kind != model.EventAgentAnswer {
			return
		}
		var ans answerPayload
		if err := json.Unmarshal(ev.Payload, &ans); err != nil {
			logger.Warn("registry: decode agent answer", "error", err)
			return
		}
		rv.deliver(ans)
	})
	if err != nil {
		return nil, err
	}
	rv.unsubscribe = unsub
	return rv, nil
}

func (rv *rendezvous) close() {
	if rv.unsubscribe != nil {
		rv.unsubscribe()
	}
}

func (rv *rendezvous) register(id uuid.UUID) chan answerPayload {
	ch := make(chan answerPayload, 1)
	rv.mu.Lock()
	rv.waiting[id] = ch
	rv.mu.Unlock()
	return ch
}

func (rv *rendezvous) forget(id uuid.UUID) {
	rv.mu.Lock()
	delete(rv.waiting, id)
	rv.mu.Unlock()
}

func (rv *rendezvous) deliver(ans answerPayload) {
	rv.mu.Lock()
	ch, ok := rv.waiting[ans.QueryID]
	if ok {
		delete(rv.waiting, ans.QueryID)
	}
	rv.mu.Unlock()
	if ok {
		ch <- ans
	}
}

// QueryAgent asks a question of a specific agent, wherever in the fleet it
// runs, and waits for the answer up to the configured timeout. The target
// agent's runtime answers via AnswerQuery.
func (r *Registry) QueryAgent(ctx context.Context, agentID, question, askedBy string) (string, error) {
	if question == "" {
		return "", model.E(model.KindInvalidArgument, "question is required")
	}
	if _, err := r.db.GetAgent(ctx, agentID); err != nil {
		return "", mapStorageErr(err, "query agent")
	}

	queryID := uuid.New()
	ch := r.rendezvous.register(queryID)
	defer r.rendezvous.forget(queryID)

	payload, err := json.Marshal(queryPayload{
		QueryID:  queryID,
		AgentID:  agentID,
		Question: question,
		AskedBy:  askedBy,
	})
	if err != nil {
		return "", model.Wrap(model.KindInvalidArgument, err, "encode agent query")
	}
	ev := model.SyncEvent{
		EventID:         uuid.New(),
		Kind:            model.EventAgentQuery,
		OriginMachineID: r.cfg.MachineID,
		Payload:         payload,
		WallClock:       time.Now().UTC(),
	}
	if err := r.bus.Publish(ctx, ev); err != nil {
		return "", model.Wrap(model.KindUnavailable, err, "publish agent query")
	}

	timer := time.NewTimer(r.cfg.QueryTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return "", model.Wrap(model.KindTimeout, ctx.Err(), "query agent %s", agentID)
	case <-timer.C:
		return "", model.E(model.KindTimeout, "agent %s did not answer within %s", agentID, r.cfg.QueryTimeout)
	case ans := <-ch:
		return ans.Answer, nil
	}
}

// AnswerQuery publishes an agent's answer to a pending query. The answer
// event travels the same path the query did, so cross-node queries resolve.
func (r *Registry) AnswerQuery(ctx context.Context, queryID uuid.UUID, agentID, answer string) error {
	payload, err := json.Marshal(answerPayload{
		QueryID: queryID,
		AgentID: agentID,
		Answer:  answer,
	})
	if err != nil {
		return model.Wrap(model.KindInvalidArgument, err, "encode agent answer")
	}
	ev := model.SyncEvent{
		EventID:         uuid.New(),
		Kind:            model.EventAgentAnswer,
		OriginMachineID: r.cfg.MachineID,
		Payload:         payload,
		WallClock:       time.Now().UTC(),
	}
	if err := r.bus.Publish(ctx, ev); err != nil {
		return model.Wrap(model.KindUnavailable, err, "publish agent answer")
	}
	return nil
}

// DecodeQuery unpacks a query event for agent runtimes that consume the bus
// through other transports.
func DecodeQuery(ev model.SyncEvent) (queryID uuid.UUID, agentID, question string, err error) {
	var q queryPayload
	if err := json.Unmarshal(ev.Payload, &q); err != nil {
		return uuid.Nil, "", "", model.Wrap(model.KindInvalidArgument, err, "decode agent query")
	}
	return q.QueryID, q.AgentID, q.Question, nil
}
