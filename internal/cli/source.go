package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/ChuLiYu/trackingproc/pkg/eventstream"
)

// runDemoProducer appends a synthetic event to store every interval
// until ctx is cancelled. The spec places MessageSource out of scope
// as an external collaborator (pkg/eventstream: a real one is Kafka,
// EventStoreDB, ...); this binary has no such upstream wired, so it
// generates its own traffic to make `trackingproc run` observable
// end to end rather than sitting idle against an empty stream.
func runDemoProducer(ctx context.Context, store *eventstream.InMemoryEventStore, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var n int
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			aggregateID := eventstream.AggregateIdentifier(fmt.Sprintf("aggregate-%d", n%8))
			store.Append(aggregateID, fmt.Sprintf("event-%d", n), time.Now())
			n++
		}
	}
}
