package calltracker

import "strings"

// PostDialState tracks processing of the digits that follow the network
// portion of a dial string.
type PostDialState int

const (
	PostDialNotStarted PostDialState = iota
	PostDialStarted
	PostDialWait
	PostDialWild
	PostDialComplete
	PostDialCancelled
)

func (s PostDialState) String() string {
	names := []string{"NOT_STARTED", "STARTED", "WAIT", "WILD", "COMPLETE", "CANCELLED"}
	if int(s) >= 0 && int(s) < len(names) {
		return names[s]
	}
	return "UNKNOWN"
}

// Post-dial separators.
const (
	CharPause = ','
	CharWait  = ';'
	CharWild  = 'N'
)

// SplitDialString separates the network portion of a dial string from
// its post-dial portion. The post-dial portion keeps its leading separator.
func SplitDialString(dial string) (network, postDial string) {
	dial = strings.TrimSpace(dial)
	if i := strings.IndexAny(dial, string([]byte{CharPause, CharWait})); i >= 0 {
		return dial[:i], dial[i:]
	}
	return dial, ""
}

// IsDtmfDigit reports whether c can be sent as a DTMF tone.
func IsDtmfDigit(c byte) bool {
	switch {
	case c >= '0' && c <= '9':
		return true
	case c >= 'A' && c <= 'D':
		return true
	case c == '*' || c == '#':
		return true
	}
	return false
}

type stepKind int

const (
	stepNone stepKind = iota
	stepTone
	stepPause
	stepWait
	stepWild
	stepComplete
)

type postDialStep struct {
	kind  stepKind
	digit byte
}

type postDial struct {
	digits string
	cursor int
	state  PostDialState
}

func (p *postDial) remaining() string {
	if p.cursor >= len(p.digits) {
		return ""
	}
	return p.digits[p.cursor:]
}

// next consumes characters until one needs action. Invalid characters are
// passed to onInvalid and skipped.
func (p *postDial) next(onInvalid func(byte)) postDialStep {
	switch p.state {
	case PostDialNotStarted, PostDialStarted:
	default:
		return postDialStep{kind: stepNone}
	}

	for p.cursor < len(p.digits) {
		c := p.digits[p.cursor]
		p.cursor++
		switch {
		case IsDtmfDigit(c):
			p.state = PostDialStarted
			return postDialStep{kind: stepTone, digit: c}
		case c == CharPause:
			p.state = PostDialStarted
			return postDialStep{kind: stepPause, digit: c}
		case c == CharWait:
			p.state = PostDialWait
			return postDialStep{kind: stepWait, digit: c}
		case c == CharWild:
			p.state = PostDialWild
			return postDialStep{kind: stepWild, digit: c}
		default:
			if onInvalid != nil {
				onInvalid(c)
			}
		}
	}
	p.state = PostDialComplete
	return postDialStep{kind: stepComplete}
}

func (p *postDial) proceedAfterWait() bool {
	if p.state != PostDialWait {
		return false
	}
	p.state = PostDialStarted
	return true
}

// proceedAfterWild splices replacement in at the cursor.
func (p *postDial) proceedAfterWild(replacement string) bool {
	if p.state != PostDialWild {
		return false
	}
	p.digits = replacement + p.remaining()
	p.cursor = 0
	p.state = PostDialStarted
	return true
}

// cancel is allowed once processing has begun and before it completes.
func (p *postDial) cancel() bool {
	switch p.state {
	case PostDialStarted, PostDialWait, PostDialWild:
		p.state = PostDialCancelled
		return true
	}
	return false
}
