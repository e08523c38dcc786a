package facade

import "strings"

// streamTruncator buffers incoming stream tokens just long enough to
// detect a stop sequence split across token boundaries, emitting text as
// soon as it's provably clear of any partial stop-sequence match.
type streamTruncator struct {
	stops   []string
	maxStop int
	buf     strings.Builder
	done    bool
}

func newStreamTruncator(stops []string) *streamTruncator {
	max := 0
	var filtered []string
	for _, s := range stops {
		if s == "" {
			continue
		}
		filtered = append(filtered, s)
		// A stop sequence can only be split across a token boundary at a
		// prefix of up to len(s)-1 bytes; a complete occurrence is caught
		// outright by the strings.Index scan in feed.
		if overlap := len(s) - 1; overlap > max {
			max = overlap
		}
	}
	return &streamTruncator{stops: filtered, maxStop: max}
}

// feed appends token to the internal buffer and returns the portion of the
// buffer now safe to deliver, plus whether a stop sequence has terminated
// the stream. Once stop is true, chunk holds everything up to (excluding)
// the matched stop sequence and no further output will ever be produced.
func (t *streamTruncator) feed(token string) (chunk string, stop bool) {
	if t.done {
		return "", true
	}
	t.buf.WriteString(token)
	pending := t.buf.String()

	if len(t.stops) > 0 {
		cut := -1
		for _, s := range t.stops {
			if idx := strings.Index(pending, s); idx != -1 && (cut == -1 || idx < cut) {
				cut = idx
			}
		}
		if cut != -1 {
			t.done = true
			return pending[:cut], true
		}
	}

	if t.maxStop <= 0 {
		t.buf.Reset()
		return pending, false
	}

	// Hold back the longest suffix of the buffer (at most maxStop bytes)
	// that is a proper prefix of some stop sequence, since the next token
	// may complete it; everything before that suffix is emitted. If the
	// whole buffer is such a prefix, emit nothing yet.
	hold := 0
	for n := t.maxStop; n > 0 && hold == 0; n-- {
		if n > len(pending) {
			continue
		}
		for _, s := range t.stops {
			if len(s) > n && strings.HasPrefix(s, pending[len(pending)-n:]) {
				hold = n
				break
			}
		}
	}
	safeLen := len(pending) - hold
	if safeLen == 0 {
		return "", false
	}

	t.buf.Reset()
	t.buf.WriteString(pending[safeLen:])
	return pending[:safeLen], false
}
