// Package keys builds the Redis key names of a ledger namespace.
// Every key carries the namespace as a hash tag so one ledger lives in a
// single cluster slot and its Lua scripts may touch all of its keys.
package keys

const root = "ingest:{"

// Ledger is the key set of one namespace.
type Ledger struct {
	// IDs is the SET of every id ever created, deleted ones included.
	IDs string
	// Audit is the capped LIST of recovery audit events, newest first.
	Audit  string
	record string
	phase  string
}

// For returns the key set for namespace ns.
func For(ns string) Ledger {
	prefix := root + ns + "}:"
	return Ledger{
		IDs:    prefix + "ids",
		Audit:  prefix + "audit",
		record: prefix + "rec:",
		phase:  prefix + "phase:",
	}
}

// Record returns the HASH key of one upload record.
func (l Ledger) Record(id string) string { return l.record + id }

// Phase returns the ZSET key indexing records in phase p, scored by phase start (ms).
func (l Ledger) Phase(p string) string { return l.phase + p }

// Phases returns the index keys of every phase in ps, in order.
func (l Ledger) Phases(ps []string) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = l.phase + p
	}
	return out
}
