package transcript

// LoadOptions addresses a window of a session's history by conversation turn
// (one human message plus everything produced in response), not by raw entry
// count, because entries-per-turn is unbounded.
type LoadOptions struct {
	// Offset is the number of most-recent turns to skip, so 0 loads the tail.
	Offset int
	// TurnLimit caps how many turns the window holds.
	TurnLimit int
	// FullHistory disables the turn-summary cutoff so raw pre-compaction
	// entries stay paginated.
	FullHistory bool
}

// Page is one turn-aligned window of display entries.
type Page struct {
	Messages    []Entry `json:"messages"`
	HasOlder    bool    `json:"has_older_messages"`
	TotalTurns  int     `json:"total_turns"`
	LoadedTurns int     `json:"loaded_turns"`
	NextOffset  int     `json:"next_offset"`
}

const (
	defaultTurnLimit = 30
	// maxWindowEntries bounds how much of an arbitrarily long session is held
	// in memory while paginating.
	maxWindowEntries = 4096
)

// Reader reconstructs bounded display windows from the flat append-only log.
type Reader struct {
	store *Store
}

func NewReader(store *Store) *Reader {
	return &Reader{store: store}
}

// Load streams the log once, keeping a bounded ring of recent entries while
// counting every human-turn boundary seen. The total turn count is never
// capped by the ring: it is the authoritative "N of M" figure. When a
// turn-summary is encountered and full history was not requested, the ring is
// cleared: summaries are boundaries past which older raw entries are not
// paginated, only the summary text is.
func (r *Reader) Load(sessionID string, opts LoadOptions) (Page, error) {
	if opts.TurnLimit <= 0 {
		opts.TurnLimit = defaultTurnLimit
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	var (
		buffer     []Entry
		totalTurns int
		dropped    bool
	)
	err := r.store.Scan(sessionID, func(e Entry) error {
		if e.Kind == KindUserTurn {
			totalTurns++
		}
		if e.Kind == KindTurnSummary && !opts.FullHistory {
			buffer = buffer[:0]
			dropped = false
		}
		buffer = append(buffer, e)
		if len(buffer) > maxWindowEntries {
			buffer = buffer[1:]
			dropped = true
		}
		return nil
	})
	if err != nil {
		return Page{}, err
	}

	starts := make([]int, 0, 64)
	for i, e := range buffer {
		if e.Kind == KindUserTurn {
			starts = append(starts, i)
		}
	}

	page := Page{TotalTurns: totalTurns, NextOffset: opts.Offset}

	endTurn := len(starts) - opts.Offset
	if endTurn <= 0 {
		// Paged past the window, or a session whose entire content is
		// pre-compaction. Surface the non-turn remainder (the summary) on the
		// first page only.
		if opts.Offset == 0 && len(starts) == 0 && len(buffer) > 0 {
			page.Messages = append([]Entry(nil), buffer...)
		} else {
			page.Messages = []Entry{}
		}
		page.HasOlder = false
		return page, nil
	}

	startTurn := endTurn - opts.TurnLimit
	if startTurn < 0 {
		startTurn = 0
	}
	page.LoadedTurns = endTurn - startTurn
	page.NextOffset = opts.Offset + page.LoadedTurns

	msgStart := starts[startTurn]
	if startTurn == 0 {
		// The oldest buffered turn is in this window; include any leading
		// non-turn entries such as the summary cutoff.
		msgStart = 0
	}
	msgEnd := len(buffer)
	if endTurn < len(starts) {
		msgEnd = starts[endTurn]
	}

	page.Messages = append([]Entry(nil), buffer[msgStart:msgEnd]...)
	page.HasOlder = startTurn > 0 || (startTurn == 0 && dropped)
	return page, nil
}
