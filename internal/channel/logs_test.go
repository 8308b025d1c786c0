package channel

import (
	"strings"
	"testing"

	"github.com/devicehub/backend/internal/device"
	"github.com/devicehub/backend/internal/infrastructure/logging"
	"github.com/stretchr/testify/assert"
)

func TestForwardEmitsCompleteLines(t *testing.T) {
	var lines []string
	l := NewLogStream(device.Command{}, func(line string) {
		lines = append(lines, line)
	}, logging.NewNop())

	input := "01-02 03:04:05.678 I/ActivityManager: start\n01-02 03:04:05.901 W/AudioFlinger: underrun\n"
	l.forward(strings.NewReader(input))

	assert.Equal(t, []string{
		"01-02 03:04:05.678 I/ActivityManager: start",
		"01-02 03:04:05.901 W/AudioFlinger: underrun",
	}, lines)
}

func TestForwardHandlesMissingTrailingNewline(t *testing.T) {
	var lines []string
	l := NewLogStream(device.Command{}, func(line string) {
		lines = append(lines, line)
	}, logging.NewNop())

	l.forward(strings.NewReader("partial line without terminator"))

	assert.Equal(t, []string{"partial line without terminator"}, lines)
}

func TestForwardEmptyInput(t *testing.T) {
	called := false
	l := NewLogStream(device.Command{}, func(string) { called = true }, logging.NewNop())

	l.forward(strings.NewReader(""))

	assert.False(t, called)
}
