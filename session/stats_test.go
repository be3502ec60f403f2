package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func Test_chunkStats(t *testing.T) {
	var s chunkStats
	assert.Equal(t, time.Duration(0), s.average())

	s.update(2 * time.Second)
	s.update(4 * time.Second)

	assert.Equal(t, 2, s.count())
	assert.Equal(t, 3*time.Second, s.average())
	assert.Equal(t, 6*time.Second, s.total())
}
