package logging

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestNewDefaultsToInfoOnUnparseableLevel(t *testing.T) {
	log := New("not-a-level")
	assert.Equal(t, logrus.InfoLevel, log.GetLevel())
}

func TestNewHonorsConfiguredLevel(t *testing.T) {
	log := New("debug")
	assert.Equal(t, logrus.DebugLevel, log.GetLevel())
}

func TestWithSagaAddsCorrelationFields(t *testing.T) {
	log := New("info")
	entry := WithSaga(log, "saga-1", "event-1")
	assert.Equal(t, "saga-1", entry.Data["saga_id"])
	assert.Equal(t, "event-1", entry.Data["event_id"])
}
