// Package simulation puts together a VM system with its observers: the event
// logger, the SQLite recorder and the monitoring server.
package simulation

import (
	"github.com/sarchlab/mipsvm/datarecording"
	"github.com/sarchlab/mipsvm/machine"
	"github.com/sarchlab/mipsvm/monitoring"
	"github.com/sarchlab/mipsvm/vm"
)

// A Simulation owns one machine and everything that watches it.
type Simulation struct {
	id string

	system  *vm.System
	machine *machine.Machine

	counter *vm.EventCounter

	dataRecorder  datarecording.DataRecorder
	recordingHook *vm.RecordingHook
	execRecorder  *datarecording.ExecRecorder

	monitor    *monitoring.Monitor
	monitorURL string
}

// ID returns the unique ID of the simulation.
func (s *Simulation) ID() string {
	return s.id
}

// VM returns the VM system.
func (s *Simulation) VM() *vm.System {
	return s.system
}

// Machine returns the machine that drives the VM system.
func (s *Simulation) Machine() *machine.Machine {
	return s.machine
}

// Counter returns the event counter attached to the VM system.
func (s *Simulation) Counter() *vm.EventCounter {
	return s.counter
}

// GetDataRecorder returns the data recorder, or nil when recording is off.
func (s *Simulation) GetDataRecorder() datarecording.DataRecorder {
	return s.dataRecorder
}

// GetMonitor returns the monitor, or nil when monitoring is off.
func (s *Simulation) GetMonitor() *monitoring.Monitor {
	return s.monitor
}

// MonitorURL returns the address of the monitoring server.
func (s *Simulation) MonitorURL() string {
	return s.monitorURL
}

// SetExecInfo records a property of the run, such as a configuration value.
func (s *Simulation) SetExecInfo(property, value string) {
	if s.execRecorder != nil {
		s.execRecorder.Set(property, value)
	}
}

// Flush writes buffered events. It must be called between VM operations,
// never from a hook.
func (s *Simulation) Flush() {
	if s.recordingHook != nil {
		s.recordingHook.Flush()
	}
}

// Terminate terminates the simulation.
func (s *Simulation) Terminate() {
	if s.monitor != nil {
		s.monitor.StopServer()
	}

	if s.dataRecorder != nil {
		s.recordingHook.Flush()
		s.execRecorder.End()
		s.dataRecorder.Close()
	}
}
