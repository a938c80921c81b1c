// Package domain holds a small counter aggregate used by the event sourcing
// tests.
package domain

import (
	"github.com/screeem/screeem/core/es"
	"github.com/screeem/screeem/core/es/assert"
)

const (
	StreamType = "counter"

	EventIncremented = "Incremented"
	EventWasReset    = "WasReset"

	MaxValue = 24
)

type (
	Incremented struct {
		By int `json:"by"`
	}
	WasReset struct {
		Reason string `json:"reason,omitempty"`
	}
)

// State is the folded, comparable part of a Counter.
type State struct {
	Value          int
	NumIncrements  int
	NumResets      int
	NumTotalEvents int
}

type Counter struct {
	es.BaseAggregate
	state State
}

func NewCounter(id string) *Counter {
	c := &Counter{}
	c.Init(id, StreamType)
	es.On(&c.BaseAggregate, EventIncremented, func(e Incremented, _ es.Metadata) {
		c.state.Value += e.By
		c.state.NumIncrements++
		c.state.NumTotalEvents++
	})
	es.On(&c.BaseAggregate, EventWasReset, func(_ WasReset, _ es.Metadata) {
		c.state.Value = 0
		c.state.NumResets++
		c.state.NumTotalEvents++
	})
	return c
}

// === Commands ===

func (c *Counter) Inc() error { return c.IncBy(1) }

func (c *Counter) IncBy(v int) error {
	if err := assert.Check(
		assert.True(v > 0, "increment must be positive"),
		assert.True(c.state.Value+v <= MaxValue, "counter cannot exceed 24"),
	); err != nil {
		return err
	}
	return c.Raise(EventIncremented, Incremented{By: v})
}

func (c *Counter) Reset(reason string) error {
	return c.Raise(EventWasReset, WasReset{Reason: reason})
}

// === Read ===

func (c *Counter) Count() int   { return c.state.Value }
func (c *Counter) State() State { return c.state }
