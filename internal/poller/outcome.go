package poller

import (
	"errors"
	"fmt"

	"github.com/karpov-sv/fram-grandma/internal/broker"
)

// Kind classifies the result of one operation.
type Kind int

const (
	// Processed: the plan went through the whole pipeline.
	Processed Kind = iota
	// Skipped: nothing to do, by policy (old, known, empty).
	Skipped
	// Recoverable: the operation failed; the loop carries on.
	Recoverable
	// Fatal: the process cannot run at all.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Processed:
		return "processed"
	case Skipped:
		return "skipped"
	case Recoverable:
		return "recoverable"
	case Fatal:
		return "fatal"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Reason explains a non-processed outcome.
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonTooOld      Reason = "too_old"
	ReasonKnown       Reason = "known"
	ReasonEmpty       Reason = "empty"
	ReasonTransport   Reason = "transport"
	ReasonMalformed   Reason = "malformed"
	ReasonPersistence Reason = "persistence"
	ReasonNoToken     Reason = "missing_token"
)

// Outcome is the result of fetching or processing one plan.
type Outcome struct {
	Kind   Kind
	Reason Reason
	Err    error

	Key        string
	Fields     int
	Superseded int
	Notified   int
}

func (o Outcome) String() string {
	s := o.Kind.String()
	if o.Reason != ReasonNone {
		s += "/" + string(o.Reason)
	}
	if o.Err != nil {
		s += ": " + o.Err.Error()
	}
	return s
}

func skipped(r Reason) Outcome {
	return Outcome{Kind: Skipped, Reason: r}
}

func recoverable(r Reason, err error) Outcome {
	return Outcome{Kind: Recoverable, Reason: r, Err: err}
}

// fetchOutcome classifies a broker query error.
func fetchOutcome(err error) Outcome {
	if errors.Is(err, broker.ErrMalformed) {
		return recoverable(ReasonMalformed, err)
	}
	return recoverable(ReasonTransport, err)
}

// ErrNoToken is reported when the broker token is missing at startup.
var ErrNoToken = errors.New("cannot operate without broker API token")

// Preflight checks what the loop needs before starting. A Fatal outcome
// must end the process.
func Preflight(token string) Outcome {
	if token == "" {
		return Outcome{Kind: Fatal, Reason: ReasonNoToken, Err: ErrNoToken}
	}
	return Outcome{Kind: Processed}
}
