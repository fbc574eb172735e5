package trinity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/trinity-protocol/trinity/internal/bus"
	"github.com/trinity-protocol/trinity/internal/patternstore"
)

// WitnessStats summarizes WITNESS's activity since process start.
type WitnessStats struct {
	TotalDetections int            `json:"total_detections"`
	UniquePatterns  map[string]int `json:"unique_patterns"`
	MostCommon      string         `json:"most_common"`
}

// Witness is Trinity's perception role: it turns raw telemetry events into
// pattern-store rows and, for the significant ones, improvement signals.
type Witness struct {
	bus      *bus.Bus
	store    *patternstore.Store
	detector PatternDetector
	log      zerolog.Logger

	minConfidence      float64
	timesSeenThreshold int

	mu    sync.Mutex
	stats WitnessStats
}

// NewWitness builds a WITNESS worker. timesSeenThreshold is the times_seen
// count (inclusive) at which a NORMAL-priority detection still earns an
// improvement signal even without a HIGH/CRITICAL priority of its own.
func NewWitness(b *bus.Bus, store *patternstore.Store, detector PatternDetector, minConfidence float64, timesSeenThreshold int, log zerolog.Logger) *Witness {
	if timesSeenThreshold <= 0 {
		timesSeenThreshold = 5
	}
	return &Witness{
		bus:                b,
		store:              store,
		detector:           detector,
		minConfidence:      minConfidence,
		timesSeenThreshold: timesSeenThreshold,
		log:                log.With().Str("component", "witness").Logger(),
		stats:              WitnessStats{UniquePatterns: map[string]int{}},
	}
}

// Run subscribes to telemetry_stream and processes events one at a time
// until ctx is canceled. Each event is handled end to end, then acked,
// before the next is read, matching the stateless single-cycle contract.
func (w *Witness) Run(ctx context.Context) error {
	msgs, err := w.bus.Subscribe(ctx, QueueTelemetry)
	if err != nil {
		return fmt.Errorf("witness: subscribe: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			w.handle(ctx, msg)
		}
	}
}

func (w *Witness) handle(ctx context.Context, msg bus.Message) {
	detections, err := w.detector.Detect(ctx, msg.Payload)
	if err != nil {
		w.emitFailureTelemetry(ctx, msg, err)
		w.ack(ctx, msg.ID)
		return
	}

	for _, d := range detections {
		if d.Confidence < w.minConfidence {
			continue
		}
		w.recordDetection(d)

		id, sErr := w.store.StorePattern(ctx, d.PatternType, d.PatternName, d.Content, d.Confidence, d.Metadata, 1)
		if sErr != nil {
			w.log.Error().Err(sErr).Str("pattern", d.PatternName).Msg("failed to store detected pattern")
			continue
		}

		pattern, found, gErr := w.store.GetPattern(ctx, id)
		if gErr != nil || !found {
			w.log.Error().Err(gErr).Int64("pattern_id", id).Msg("failed to reload stored pattern")
			continue
		}

		if d.Priority == PriorityHigh || d.Priority == PriorityCritical || pattern.TimesSeen >= w.timesSeenThreshold {
			if pErr := w.emitSignal(ctx, d, pattern); pErr != nil {
				w.log.Error().Err(pErr).Str("pattern", d.PatternName).Msg("failed to emit improvement signal")
			}
		}
	}

	w.ack(ctx, msg.ID)
}

func (w *Witness) emitSignal(ctx context.Context, d Detection, pattern patternstore.Pattern) error {
	correlationID := newCorrelationID()

	data := map[string]any{}
	if kw, ok := d.Metadata["keywords"]; ok {
		data["keywords"] = kw
	}

	_, err := w.bus.Publish(ctx, QueueImprovement, map[string]any{
		"correlation_id": correlationID,
		"priority":       string(d.Priority),
		"pattern":        d.PatternType,
		"data":           data,
		"evidence_count": pattern.EvidenceCount,
		"confidence":     d.Confidence,
		"timestamp":      time.Now().UTC().Format(time.RFC3339Nano),
	}, busPriority(d.Priority), correlationID)
	return err
}

func (w *Witness) emitFailureTelemetry(ctx context.Context, msg bus.Message, detectErr error) {
	correlationID := msg.CorrelationID
	if correlationID == "" {
		correlationID = newCorrelationID()
	}
	_, err := w.bus.Publish(ctx, QueueTelemetry, map[string]any{
		"status":    "failure",
		"details":   fmt.Sprintf("pattern detector failed: %v", detectErr),
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}, 10, correlationID)
	if err != nil {
		w.log.Error().Err(err).Msg("failed to publish detector failure telemetry")
	}
}

func (w *Witness) ack(ctx context.Context, id int64) {
	if err := w.bus.Ack(ctx, id); err != nil {
		w.log.Error().Err(err).Int64("message_id", id).Msg("failed to ack telemetry message")
	}
}

func (w *Witness) recordDetection(d Detection) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stats.TotalDetections++
	w.stats.UniquePatterns[d.PatternName]++

	best := ""
	bestCount := 0
	for name, count := range w.stats.UniquePatterns {
		if count > bestCount || (count == bestCount && name < best) {
			best, bestCount = name, count
		}
	}
	w.stats.MostCommon = best
}

// Stats returns a snapshot of detection activity since process start.
func (w *Witness) Stats() WitnessStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := WitnessStats{TotalDetections: w.stats.TotalDetections, MostCommon: w.stats.MostCommon, UniquePatterns: map[string]int{}}
	for k, v := range w.stats.UniquePatterns {
		out.UniquePatterns[k] = v
	}
	return out
}
