package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShardIndexIsStableAndInRange(t *testing.T) {
	for _, key := range []string{"", "bin:1", "tools", "queue-create-1"} {
		idx := ShardIndex(8, key)
		assert.Less(t, idx, uint64(8))
		assert.Equal(t, idx, ShardIndex(8, key))
	}
	assert.Zero(t, ShardIndex(1, "anything"))
	assert.Zero(t, ShardIndex(0, "anything"))
}
