package es

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSubscribeOpts_Match(t *testing.T) {
	ev := StoredEvent{StreamID: "org-1", StreamType: "post-timeline"}

	for _, tc := range []struct {
		name string
		opts []SubscribeOption
		want bool
	}{
		{name: "no filters", want: true},
		{name: "stream type", opts: []SubscribeOption{WithStreamTypes("post-timeline")}, want: true},
		{name: "other stream type", opts: []SubscribeOption{WithStreamTypes("other")}, want: false},
		{name: "any of", opts: []SubscribeOption{WithStreamTypes("other", "post-timeline")}, want: true},
		{name: "stream id", opts: []SubscribeOption{WithFilters(SubscribeFilter{StreamID: "org-1"})}, want: true},
		{name: "type and other id", opts: []SubscribeOption{WithFilters(SubscribeFilter{StreamType: "post-timeline", StreamID: "org-2"})}, want: false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			o := NewSubscribeOpts(tc.opts...)
			require.Equal(t, tc.want, o.Match(ev))
		})
	}
}

func TestSubscribeOpts_StreamTypes(t *testing.T) {
	o := NewSubscribeOpts(WithStreamTypes("b", "a", "b"))
	require.Equal(t, []string{"b", "a"}, o.StreamTypes())

	o = NewSubscribeOpts(WithStreamTypes("a"), WithFilters(SubscribeFilter{StreamID: "org-1"}))
	require.Nil(t, o.StreamTypes())

	o = NewSubscribeOpts()
	require.Nil(t, o.StreamTypes())
}
