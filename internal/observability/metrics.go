package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dev.helix.consensus/internal/events"
)

// Metrics holds the process-level instrumentation. Counters are fed from the
// event bus, so they stay consistent with what observers saw on the stream.
type Metrics struct {
	registry *prometheus.Registry

	discussionsStarted   prometheus.Counter
	discussionsCompleted *prometheus.CounterVec
	roundsStarted        prometheus.Counter
	turnsCompleted       *prometheus.CounterVec
	chunksStreamed       *prometheus.CounterVec
	tokensConsumed       *prometheus.CounterVec
	consensusVotes       *prometheus.CounterVec
}

// NewMetrics creates the collectors on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		discussionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "consensus_discussions_started_total",
			Help: "Number of discussions started.",
		}),
		discussionsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "consensus_discussions_finished_total",
			Help: "Number of discussions finished, by terminal outcome.",
		}, []string{"outcome"}),
		roundsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "consensus_rounds_started_total",
			Help: "Number of discussion rounds started.",
		}),
		turnsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "consensus_turns_completed_total",
			Help: "Number of completed turns, by role.",
		}, []string{"role"}),
		chunksStreamed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "consensus_turn_chunks_total",
			Help: "Number of streamed turn chunks, by role.",
		}, []string{"role"}),
		tokensConsumed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "consensus_tokens_total",
			Help: "Tokens consumed by completed turns, by role and kind.",
		}, []string{"role", "kind"}),
		consensusVotes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "consensus_votes_total",
			Help: "Consensus votes observed, by role and verdict.",
		}, []string{"role", "verdict"}),
	}
}

// Handler serves the /metrics endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Observe subscribes the collectors to the bus and returns the unsubscribe
// handle.
func (m *Metrics) Observe(bus *events.Bus) func() {
	return bus.Subscribe(func(event *events.Event) {
		switch event.Type {
		case events.EventDiscussionStarted:
			m.discussionsStarted.Inc()
		case events.EventRoundStarted:
			m.roundsStarted.Inc()
		case events.EventTurnChunk:
			if data, ok := event.Data.(events.TurnChunkData); ok {
				m.chunksStreamed.WithLabelValues(string(data.Role)).Inc()
			}
		case events.EventTurnCompleted:
			if data, ok := event.Data.(events.TurnCompletedData); ok {
				role := string(data.Turn.Role)
				m.turnsCompleted.WithLabelValues(role).Inc()
				m.tokensConsumed.WithLabelValues(role, "prompt").Add(float64(data.Turn.TokenUsage.PromptTokens))
				m.tokensConsumed.WithLabelValues(role, "completion").Add(float64(data.Turn.TokenUsage.CompletionTokens))
			}
		case events.EventConsensusVote:
			if data, ok := event.Data.(events.ConsensusVoteData); ok {
				verdict := "no"
				if data.Vote.HasConsensus {
					verdict = "yes"
				}
				m.consensusVotes.WithLabelValues(string(data.Vote.Role), verdict).Inc()
			}
		case events.EventDiscussionCompleted:
			m.discussionsCompleted.WithLabelValues("completed").Inc()
		case events.EventDiscussionError:
			m.discussionsCompleted.WithLabelValues("error").Inc()
		case events.EventDiscussionAborted:
			m.discussionsCompleted.WithLabelValues("aborted").Inc()
		}
	})
}
