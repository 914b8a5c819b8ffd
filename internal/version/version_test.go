package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestString(t *testing.T) {
	assert.Equal(t, "pcload dev (commit: unknown, built: unknown)", String())
	assert.Equal(t, "pcload/dev", UserAgent())
}
