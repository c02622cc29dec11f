package main

import (
	"fmt"
	"os"
	"sync"

	"github.com/lemonforest/mlehaptics-sub009/pkg/cycle"
	"github.com/lemonforest/mlehaptics-sub009/pkg/engine"
	"github.com/lemonforest/mlehaptics-sub009/pkg/logging"
)

// motorActuator drives the motor controller through its character device.
// Commands are single lines: "<direction> <intensity>\n".
type motorActuator struct {
	mu     sync.Mutex
	device *os.File
}

func newMotorActuator(path string) (*motorActuator, error) {
	device, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open motor device %s: %w", path, err)
	}
	return &motorActuator{device: device}, nil
}

func (m *motorActuator) Apply(cmd cycle.Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := fmt.Fprintf(m.device, "%s %d\n", cmd.Direction, cmd.Intensity)
	return err
}

func (m *motorActuator) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.device.Close()
}

// logActuator stands in when no motor device is configured, for bench runs.
type logActuator struct {
	logger logging.Logger
}

func (l *logActuator) Apply(cmd cycle.Command) error {
	l.logger.Info("actuator command",
		logging.String("direction", cmd.Direction.String()),
		logging.Int("intensity", int(cmd.Intensity)))
	return nil
}

var (
	_ engine.Actuator = (*motorActuator)(nil)
	_ engine.Actuator = (*logActuator)(nil)
)
