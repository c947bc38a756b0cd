package port

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestReservedSet_Add verifies ports are stored sorted, deduplicated and
// attributed to their first source.
func TestReservedSet_Add(t *testing.T) {
	set := NewReservedSet("config", 13715, 13714)
	set.Add("docker", 13714, 8080)

	assert.Equal(t, []int{8080, 13714, 13715}, set.Ports())
	assert.Equal(t, 3, set.Len())
	assert.Equal(t, "config", set.Source(13714), "first source wins")
	assert.Equal(t, "docker", set.Source(8080))
	assert.Equal(t, "", set.Source(1))
}

// TestReservedSet_DropsInvalid verifies out-of-range ports are ignored.
func TestReservedSet_DropsInvalid(t *testing.T) {
	set := NewReservedSet("config", 0, -1, 65536, 443)
	assert.Equal(t, []int{443}, set.Ports())
}

// TestReservedSet_Nil verifies a nil set behaves as empty.
func TestReservedSet_Nil(t *testing.T) {
	var set *ReservedSet
	assert.False(t, set.Contains(13714))
	assert.Nil(t, set.Ports())
	assert.Equal(t, 0, set.Len())
	assert.Equal(t, "", set.Source(13714))
}

// TestReservedSet_ZeroValue verifies the zero value is usable.
func TestReservedSet_ZeroValue(t *testing.T) {
	var set ReservedSet
	set.Add("config", 3000)
	assert.True(t, set.Contains(3000))
}
