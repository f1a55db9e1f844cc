// Package logging configures structured JSON logging, grounded on
// bymeisam-go-challenges/08-popular-packages/challenge-95's logrus wrapper.
package logging

import (
	"github.com/sirupsen/logrus"
)

// New builds a logrus.Logger configured from a level string, defaulting to
// info on an unparseable level.
func New(level string) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)

	return log
}

// WithSaga returns an entry carrying saga_id and event_id, the correlation
// fields §7's propagation policy requires on every classified failure.
func WithSaga(log *logrus.Logger, sagaID, eventID string) *logrus.Entry {
	return log.WithFields(logrus.Fields{
		"saga_id":  sagaID,
		"event_id": eventID,
	})
}
