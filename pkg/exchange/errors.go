package exchange

import (
	"errors"
	"fmt"
	"strings"
)

var ErrNotConnected = errors.New("exchange: not connected")

// ErrorKind is the closed set of rejections the trading loop reacts to
// differently. Anything unrecognised is KindGeneric and retried under backoff.
type ErrorKind int

const (
	KindGeneric ErrorKind = iota
	// KindWouldCross: a post-only order would have matched immediately.
	KindWouldCross
	// KindReduceOnlyRejected: nothing left to reduce, the position is gone.
	KindReduceOnlyRejected
	// KindWouldTrigger: a stop order's trigger is already through the market.
	KindWouldTrigger
	KindOrderNotFound
)

func (k ErrorKind) String() string {
	switch k {
	case KindWouldCross:
		return "would_cross"
	case KindReduceOnlyRejected:
		return "reduce_only_rejected"
	case KindWouldTrigger:
		return "would_trigger"
	case KindOrderNotFound:
		return "order_not_found"
	default:
		return "generic"
	}
}

// Error is returned for every request the venue answered with an error body.
type Error struct {
	Kind       ErrorKind
	Op         string
	Code       int
	Message    string
	HTTPStatus int
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (code %d): %s", e.Op, e.Kind, e.Code, e.Message)
}

// KindOf returns the kind of the first *Error in err's chain, KindGeneric otherwise.
func KindOf(err error) ErrorKind {
	var xe *Error
	if errors.As(err, &xe) {
		return xe.Kind
	}
	return KindGeneric
}

// Binance USD-M futures error codes.
const (
	codeUnknownOrder      = -2011
	codeNoSuchOrder       = -2013
	codeWouldTrigger      = -2021
	codeReduceOnlyReject  = -2022
	codePostOnlyRejection = -5022
)

// Classify maps a venue error code and message onto an ErrorKind. Codes win;
// the message is only consulted for codes we do not know.
func Classify(code int, msg string) ErrorKind {
	switch code {
	case codePostOnlyRejection:
		return KindWouldCross
	case codeWouldTrigger:
		return KindWouldTrigger
	case codeReduceOnlyReject:
		return KindReduceOnlyRejected
	case codeUnknownOrder, codeNoSuchOrder:
		return KindOrderNotFound
	}

	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "post only"), strings.Contains(m, "executed as maker"), strings.Contains(m, "would cross"):
		return KindWouldCross
	case strings.Contains(m, "immediately trigger"):
		return KindWouldTrigger
	case strings.Contains(m, "reduceonly"), strings.Contains(m, "reduce only"), strings.Contains(m, "reduce-only"):
		return KindReduceOnlyRejected
	case strings.Contains(m, "unknown order"), strings.Contains(m, "does not exist"):
		return KindOrderNotFound
	}
	return KindGeneric
}
