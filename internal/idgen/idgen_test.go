package idgen

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUUID_Prefixed(t *testing.T) {
	g := UUID{Prefix: "esc_"}
	id := g.NewID()

	require.True(t, strings.HasPrefix(id, "esc_"))
	parsed, err := uuid.Parse(strings.TrimPrefix(id, "esc_"))
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(4), parsed.Version())
}

func TestUUID_Unique(t *testing.T) {
	g := UUID{}
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		id := g.NewID()
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %s", id)
		seen[id] = struct{}{}
	}
}

func TestFunc(t *testing.T) {
	g := Func(func() string { return "fixed" })
	assert.Equal(t, "fixed", g.NewID())
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("req_")
	assert.True(t, strings.HasPrefix(id, "req_"))
	assert.Len(t, id, len("req_")+24)
	assert.NotEqual(t, id, WithPrefix("req_"))
}
