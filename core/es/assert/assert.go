// Package assert builds command preconditions. A failing condition turns
// into an es.ValidationError carrying the condition's message, which is the
// text surfaced to the user.
package assert

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/screeem/screeem/core/es"
)

type CondFunc func() bool

type Cond interface {
	String() string
	Eval() bool
	Check() error
}

type cond struct {
	msg   string
	cond  CondFunc
	check func() error
}

func (c *cond) Check() error   { return c.check() }
func (c *cond) String() string { return c.msg }
func (c *cond) Eval() bool     { return c.cond() }

func newCond(msg string, condFn CondFunc) *cond {
	return &cond{msg: msg, cond: condFn, check: func() error {
		if !condFn() {
			return es.NewValidationError("%s", msg)
		}
		return nil
	}}
}

func True(v bool, msg string) Cond  { return newCond(msg, func() bool { return v }) }
func False(v bool, msg string) Cond { return newCond(msg, func() bool { return !v }) }
func That(fn CondFunc, msg string) Cond {
	return newCond(msg, fn)
}

// Not inverts c. The message is msg, not the one of c.
func Not(c Cond, msg string) Cond {
	return newCond(msg, func() bool { return !c.Eval() })
}

// NotBlank holds if s has a non-space character.
func NotBlank(s, msg string) Cond {
	return newCond(msg, func() bool { return strings.TrimSpace(s) != "" })
}

// MaxRunes holds if s has at most n characters.
func MaxRunes(s string, n int, msg string) Cond {
	return newCond(msg, func() bool { return utf8.RuneCountInString(s) <= n })
}

// MaxItems holds if count is at most n.
func MaxItems(count, n int, msg string) Cond {
	return newCond(msg, func() bool { return count <= n })
}

// After holds if t is strictly after ref.
func After(t, ref time.Time, msg string) Cond {
	return newCond(msg, func() bool { return t.After(ref) })
}

// All holds if every condition holds. Check reports the first failure.
func All(cs ...Cond) Cond {
	all := newCond("all", func() bool {
		for _, c := range cs {
			if !c.Eval() {
				return false
			}
		}
		return true
	})
	all.check = func() error {
		for _, c := range cs {
			if err := c.Check(); err != nil {
				return err
			}
		}
		return nil
	}
	return all
}

// Check evaluates conds in order and returns the first failure.
func Check(conds ...Cond) error {
	return All(conds...).Check()
}
