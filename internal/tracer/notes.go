package tracer

// User-facing caveats recorded in TraceMeta.Notes.
const (
	NoteLogsTruncated     = "Many transfers exist; only the most recent subset is shown."
	NoteQueueTruncated    = "Tracing stopped early due to heavy branching; consider further investigation."
	NoteNoTransfers       = "No token transfers were found in the searched block range."
	NoteWindowFailed      = "Some block ranges could not be searched; results may be incomplete."
	NoteLookupFailed      = "Some transfers could not be resolved and were skipped."
	NoteLookbackCap       = "History older than the lookback limit was not searched."
	NoteWindowsExhausted  = "History older than the configured block windows was not searched."
	NoteDepthLimit        = "The depth limit was reached; deeper hops were not explored."
	NoteIterationCap      = "Tracing stopped after the maximum number of explored addresses."
	NoteLedgerUnavailable = "No ledger client is configured for this chain; no transfers could be searched."
	NoteHeadFailed        = "The latest block could not be determined; no transfers could be searched."
	NoteBalanceFailed     = "Some balances could not be fetched and are shown as zero."
)

// noteSet keeps notes deduplicated in first-insertion order.
type noteSet struct {
	seen  map[string]struct{}
	notes []string
}

func (s *noteSet) add(note string) {
	if s.seen == nil {
		s.seen = make(map[string]struct{})
	}
	if _, ok := s.seen[note]; ok {
		return
	}
	s.seen[note] = struct{}{}
	s.notes = append(s.notes, note)
}

func (s *noteSet) has(note string) bool {
	_, ok := s.seen[note]
	return ok
}

func (s *noteSet) list() []string {
	if len(s.notes) == 0 {
		return nil
	}
	out := make([]string, len(s.notes))
	copy(out, s.notes)
	return out
}
