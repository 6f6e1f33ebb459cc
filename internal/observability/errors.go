package observability

import (
	"errors"

	"github.com/Meteo-X/pixiu-sub007/errs"
)

// AggregateErrors collapses the failures of a multi-target operation, such as
// stopping every adapter or closing every sink, into one structured error.
// Nil entries are skipped; all nil returns nil. The aggregate is logged once
// here so callers do not have to.
func AggregateErrors(operation string, failures []error, fields ...Field) error {
	joined := make([]error, 0, len(failures))
	messages := make([]string, 0, len(failures))
	for _, err := range failures {
		if err == nil {
			continue
		}
		joined = append(joined, err)
		messages = append(messages, err.Error())
	}
	if len(joined) == 0 {
		return nil
	}

	Log().Error(operation+" failed",
		append(fields,
			Field{Key: "failures", Value: len(joined)},
			Field{Key: "errors", Value: messages})...)

	kind := errs.KindInvalidState
	if len(joined) == 1 {
		if k := errs.KindOf(joined[0]); k != "" {
			kind = k
		}
	}
	return errs.New("observability", kind,
		errs.WithMessage(operation+" failed"),
		errs.WithCause(errors.Join(joined...)))
}
