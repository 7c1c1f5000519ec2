package sup

import "github.com/google/uuid"

// IDGenerator produces the identifiers that correlate a
// SupervisionRequest with its eventual SupervisionResponse (spec.md
// §6: "UUID v4 string... canonical 8-4-4-4-12 layout"). It's a plain
// function value, the same "strategy as a bindable func" idiom the
// teacher used for name selection in supervision_nss.go -- generalized
// here from naming to id generation, and taking the google/uuid
// dependency the teacher's own FUTURE note in that file declined to
// take ("something based on ulid sounds like a nice idea... I don't
// want to take on a dep for it").
type IDGenerator func() string

func defaultIDGenerator() string { return uuid.NewString() }

// IDStrategy mirrors the teacher's NameSelectionStrategy struct-of-funcs
// shape: a namespace to hang the default (and future alternative)
// generators off of, so callers can write IDStrategy.Default.
var IDStrategy = struct {
	Default IDGenerator
}{
	Default: defaultIDGenerator,
}
