package logging

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewLogger_Prefix(t *testing.T) {
	var got []string
	record := func(level string) LogFunc {
		return func(format string, args ...interface{}) {
			got = append(got, level+" "+fmt.Sprintf(format, args...))
		}
	}

	logger := NewLogger("procman: ", LogFuncs{
		Debugf: record("D"),
		Infof:  record("I"),
		Warnf:  record("W"),
		Errorf: record("E"),
	})

	logger.Infof("started %d", 1)
	logger.LogLevelf(WarnLevel, "slow %s", "reader")
	logger.LogLevelf(ErrorLevel, "failed")
	logger.LogLevelf(DebugLevel, "tick")
	logger.LogLevelf(42, "unknown level")

	assert.Equal(t, []string{
		"I procman: started 1",
		"W procman: slow reader",
		"E procman: failed",
		"D procman: tick",
		"I procman: unknown level",
	}, got)
}

func TestNewNullLogger(t *testing.T) {
	logger := NewNullLogger()
	assert.NotPanics(t, func() {
		logger.Debugf("x")
		logger.Infof("x")
		logger.Warnf("x")
		logger.Errorf("x")
		logger.LogLevelf(InfoLevel, "x")
	})
}
