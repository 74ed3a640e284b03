// internal/analyze/analyzer.go
package analyze

import (
	"context"
	"log"
	"time"

	"github.com/aidenlabs/aiden/internal/protocol"
)

// Sink persists errors and solutions. Implemented by the store.
type Sink interface {
	InsertError(ev protocol.ErrorEvent) error
	InsertSolution(sol protocol.Solution) error
}

// Broadcaster pushes error updates to dashboard subscribers. Implemented by
// the WebSocket hub; the analyzer knows nothing about connected clients.
type Broadcaster interface {
	BroadcastError(item protocol.ErrorWithSolution)
}

// Analyzer drains the detector's event stream: persist the error, broadcast
// it immediately with no solution, then ask the LLM and broadcast again with
// the analysis. A failing sink or LLM never stops the pipeline.
type Analyzer struct {
	llm     *LLMClient
	sink    Sink
	hub     Broadcaster
	retries int
	backoff time.Duration // base backoff between retry attempts
}

// New creates an Analyzer. retries bounds LLM attempts per event; hub may be
// nil when nothing subscribes.
func New(llm *LLMClient, sink Sink, hub Broadcaster, retries int) *Analyzer {
	if retries < 1 {
		retries = 1
	}
	return &Analyzer{
		llm:     llm,
		sink:    sink,
		hub:     hub,
		retries: retries,
		backoff: 2 * time.Second,
	}
}

// Run consumes events until the channel closes or the context is cancelled.
// On cancellation, events already dequeued finish processing; the rest are
// discarded with a log notice rather than silently abandoned.
func (a *Analyzer) Run(ctx context.Context, events <-chan protocol.ErrorEvent) {
	for {
		select {
		case <-ctx.Done():
			discarded := 0
			for range events {
				discarded++
			}
			if discarded > 0 {
				log.Printf("Analyzer shutdown: discarded %d pending events", discarded)
			}
			return
		case ev, ok := <-events:
			if !ok {
				log.Println("Analyzer: event stream closed")
				return
			}
			a.handle(ctx, ev)
		}
	}
}

func (a *Analyzer) handle(ctx context.Context, ev protocol.ErrorEvent) {
	log.Printf("Detected %s error on %s: %s", ev.Severity, ev.DeviceID, truncate(ev.ErrorLine, 80))

	if err := a.sink.InsertError(ev); err != nil {
		log.Printf("Persist error %s: %v", ev.ID, err)
		// keep going: the broadcast and analysis are still worth doing
	}

	// immediate broadcast so the dashboard shows the error before the AI
	// analysis lands
	a.broadcast(ev, nil)

	sol, err := a.analyzeWithRetry(ctx, ev)
	if err != nil {
		log.Printf("Analysis failed for %s after %d attempts: %v", ev.ID, a.retries, err)
		sol = failedSolution(ev.ID)
	}

	if err := a.sink.InsertSolution(sol); err != nil {
		log.Printf("Persist solution for %s: %v", ev.ID, err)
	}
	a.broadcast(ev, &sol)
}

// analyzeWithRetry calls the LLM with bounded retries and exponential
// backoff. Unavailability is retried; other errors (bad response shape) are
// not, the fallback chain already handled per-endpoint failover.
func (a *Analyzer) analyzeWithRetry(ctx context.Context, ev protocol.ErrorEvent) (protocol.Solution, error) {
	var lastErr error
	wait := a.backoff
	for attempt := 1; attempt <= a.retries; attempt++ {
		sol, err := a.llm.Analyze(ctx, ev)
		if err == nil {
			return sol, nil
		}
		lastErr = err
		if !IsUnavailable(err) || attempt == a.retries {
			break
		}

		log.Printf("LLM attempt %d/%d for %s failed: %v, retrying in %s", attempt, a.retries, ev.ID, err, wait)
		select {
		case <-ctx.Done():
			return protocol.Solution{}, ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
	return protocol.Solution{}, lastErr
}

func (a *Analyzer) broadcast(ev protocol.ErrorEvent, sol *protocol.Solution) {
	if a.hub == nil {
		return
	}
	a.hub.BroadcastError(protocol.ErrorWithSolution{
		Error: protocol.StoredError{
			ID:        ev.ID,
			DeviceID:  ev.DeviceID,
			Timestamp: ev.Timestamp,
			Severity:  ev.Severity,
			ErrorLine: ev.ErrorLine,
			PatternID: ev.PatternID,
			Context:   ev.Context,
			CreatedAt: time.Now(),
		},
		Solution: sol,
	})
}

// failedSolution is the visible placeholder stored when analysis gave up, so
// the dashboard shows "analysis failed" instead of nothing.
func failedSolution(errorID string) protocol.Solution {
	const note = "Analysis unavailable: the language model could not be reached."
	return protocol.Solution{
		ErrorID:    errorID,
		RootCause:  note,
		Impact:     note,
		Solution:   note,
		Prevention: note,
		Failed:     true,
		CreatedAt:  time.Now(),
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
