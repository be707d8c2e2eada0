package budget

import "fmt"

// ErrExhausted is returned when the daily token budget has no headroom left.
type ErrExhausted struct {
	Spent int64
	Limit int64
}

func (e ErrExhausted) Error() string {
	return fmt.Sprintf("daily token budget exhausted: spent=%d limit=%d", e.Spent, e.Limit)
}

// ErrSectionExhausted is returned when one section has consumed its share of
// the daily budget while the day overall still has headroom.
type ErrSectionExhausted struct {
	Section string
	Spent   int64
	Limit   int64
}

func (e ErrSectionExhausted) Error() string {
	return fmt.Sprintf("section %q token budget exhausted: spent=%d limit=%d", e.Section, e.Spent, e.Limit)
}
