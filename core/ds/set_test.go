package ds

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSet_AddKeepsInsertionOrder(t *testing.T) {
	s := NewSet("post-timeline", "other")
	require.True(t, s.Add("loadtest"))
	require.False(t, s.Add("other"))

	require.Equal(t, 3, s.Len())
	require.Equal(t, []string{"post-timeline", "other", "loadtest"}, s.Values())
	require.True(t, s.Contains("other"))
	require.False(t, s.Contains("missing"))
}

func TestSet_Empty(t *testing.T) {
	var nilSet *Set[string]
	require.True(t, nilSet.IsEmpty())
	require.False(t, nilSet.Contains("x"))
	require.Nil(t, nilSet.Values())

	var zero Set[int]
	require.True(t, zero.Add(1))
	require.Equal(t, []int{1}, zero.Values())

	require.Nil(t, NewSet[string]().Values())
}

func TestSet_ValuesIsACopy(t *testing.T) {
	s := NewSet(1, 2)
	v := s.Values()
	v[0] = 9
	require.Equal(t, []int{1, 2}, s.Values())
}

func TestSet_JSON(t *testing.T) {
	data, err := json.Marshal(NewSet("b", "a", "b"))
	require.NoError(t, err)
	require.Equal(t, `["b","a"]`, string(data))

	data, err = json.Marshal(NewSet[string]())
	require.NoError(t, err)
	require.Equal(t, `[]`, string(data))
}
