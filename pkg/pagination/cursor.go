package pagination

type cursorState int

const (
	stateNotStarted cursorState = iota
	stateAdvancing
	stateExhausted
	stateFailed
)

func (s cursorState) String() string {
	switch s {
	case stateNotStarted:
		return "not_started"
	case stateAdvancing:
		return "advancing"
	case stateExhausted:
		return "exhausted"
	case stateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// cursor is the offset of one iteration. It only moves forward and its
// terminal states are final.
type cursor struct {
	offset   int
	state    cursorState
	requests int
}

func (c *cursor) done() bool {
	return c.state == stateExhausted || c.state == stateFailed
}

func (c *cursor) fail() {
	c.state = stateFailed
}

// advance moves past a fetched page. The step is the number of items the
// server returned, which equals the requested size for a full page and keeps
// a short page that still signals more from skipping records. A page with no
// items always exhausts the cursor so no offset is requested twice.
func (c *cursor) advance(s Signal, last bool) {
	c.requests++
	if last || s.Returned == 0 {
		c.state = stateExhausted
		return
	}
	c.offset += s.Returned
	c.state = stateAdvancing
}
