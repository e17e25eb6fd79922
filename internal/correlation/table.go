// Package correlation maps an OneBot echo id back to the frontend session
// that made the API call, with TTL eviction, grounded on the
// pendingRequests map pattern from the teacher's internal/browser relay —
// adapted to use a periodic cron sweep instead of one timer per entry,
// since the spec's contract evicts in batches every few seconds rather
// than the instant an entry turns stale.
package correlation

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Deseer/websocket-postman/internal/logging"
)

// TTL is how long an in-flight entry survives without a reply (§4.5).
const TTL = 60 * time.Second

// sweepSpec is the cron schedule on which expired entries are scanned for.
const sweepSpec = "@every 5s"

// entry tracks one in-flight API call awaiting a response.
type entry struct {
	session    string
	insertedAt time.Time
}

// Table is the echo-id -> frontend-session correlation map. Zero value is
// not usable; construct with New.
type Table struct {
	mu      sync.Mutex
	entries map[string]entry

	cron *cron.Cron
}

// New creates an empty Table and starts its sweep goroutine. Call Close to
// stop it.
func New() *Table {
	t := &Table{
		entries: make(map[string]entry),
		cron:    cron.New(),
	}
	_, err := t.cron.AddFunc(sweepSpec, t.sweep)
	if err != nil {
		// sweepSpec is a constant; a parse failure here is a programming
		// error, not a runtime condition callers can react to.
		panic("correlation: invalid sweep schedule: " + err.Error())
	}
	t.cron.Start()
	return t
}

// Insert records that echo belongs to session, starting its TTL clock. An
// existing entry for the same echo is overwritten.
func (t *Table) Insert(echo, session string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[echo] = entry{session: session, insertedAt: time.Now()}
}

// Take looks up and removes the session for echo. The second return value
// is false if no in-flight entry exists (already delivered, evicted, or
// never inserted) — the contract is best-effort delivery at most once.
func (t *Table) Take(echo string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[echo]
	if !ok {
		return "", false
	}
	delete(t.entries, echo)
	return e.session, true
}

// EvictSession drops every in-flight entry belonging to session, for when
// its frontend connection closes (§5: "outstanding correlation entries
// tied to it are marked caller_gone and future responses for them are
// dropped").
func (t *Table) EvictSession(session string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for echo, e := range t.entries {
		if e.session == session {
			delete(t.entries, echo)
		}
	}
}

// Len reports the number of in-flight entries, backing snapshot_stats's
// correlation.in_flight field (§6).
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Table) sweep() {
	cutoff := time.Now().Add(-TTL)
	t.mu.Lock()
	defer t.mu.Unlock()
	for echo, e := range t.entries {
		if e.insertedAt.Before(cutoff) {
			delete(t.entries, echo)
		}
	}
	logging.Debugf("[correlation] sweep complete, %d entries remain", len(t.entries))
}

// Close stops the sweep goroutine.
func (t *Table) Close() {
	ctx := t.cron.Stop()
	<-ctx.Done()
}
