package seed

import (
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
)

func TestDefaultRulesCompile(t *testing.T) {
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	for _, seed := range defaultRules {
		_, err := buildRule(node, seed, time.Now())
		require.NoError(t, err, seed.name)
	}
}
