package visibility

import "time"

// Kind is a coarse visibility classification.
type Kind int

const (
	Unknown Kind = iota
	VisibleNowUntil
	VisibleLater
	VisibleNowNotTonight
	Unobservable
)

func (k Kind) String() string {
	switch k {
	case VisibleNowUntil:
		return "visible_now_until"
	case VisibleLater:
		return "visible_later"
	case VisibleNowNotTonight:
		return "visible_now_not_tonight"
	case Unobservable:
		return "unobservable"
	default:
		return "unknown"
	}
}

// Status is the classification of a Record. At is set for VisibleNowUntil
// (last visible sample) and VisibleLater (first visible sample).
type Status struct {
	Kind Kind
	At   time.Time
}

// Classify reduces a Record to a Status.
func Classify(r Record) Status {
	if !r.Known {
		return Status{Kind: Unknown}
	}

	var first, last time.Time
	seen := false
	for _, s := range r.Samples {
		if !s.Visible {
			continue
		}
		if !seen || s.Time.Before(first) {
			first = s.Time
		}
		if !seen || s.Time.After(last) {
			last = s.Time
		}
		seen = true
	}

	switch {
	case r.VisibleNow && seen:
		return Status{Kind: VisibleNowUntil, At: last}
	case r.VisibleNow:
		return Status{Kind: VisibleNowNotTonight}
	case seen:
		return Status{Kind: VisibleLater, At: first}
	default:
		return Status{Kind: Unobservable}
	}
}

const clock = "15:04:05 UT"

// String renders the status for operators.
func (s Status) String() string {
	switch s.Kind {
	case VisibleNowUntil:
		return "visible now and until " + s.At.UTC().Format(clock)
	case VisibleLater:
		return "visible since " + s.At.UTC().Format(clock)
	case VisibleNowNotTonight:
		return "visible now but unobservable tonight"
	case Unobservable:
		return "unobservable tonight"
	default:
		return "visibility unknown"
	}
}
