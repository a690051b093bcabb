package simulation

import (
	"log"

	"github.com/rs/xid"

	"github.com/sarchlab/mipsvm/datarecording"
	"github.com/sarchlab/mipsvm/machine"
	"github.com/sarchlab/mipsvm/monitoring"
	"github.com/sarchlab/mipsvm/vm"
)

// Builder can be used to build a simulation.
type Builder struct {
	ramSize         uint32
	kernelImageSize uint32
	tlbSeed         int64
	monitorOn       bool
	monitorPort     int
	recordOn        bool
	outputFileName  string
	logger          *log.Logger
}

// MakeBuilder creates a new builder.
func MakeBuilder() Builder {
	return Builder{
		ramSize:         4 << 20,
		kernelImageSize: 256 << 10,
		tlbSeed:         1,
		monitorOn:       true,
		recordOn:        true,
	}
}

// WithRAMSize sets the amount of physical memory in bytes.
func (b Builder) WithRAMSize(size uint32) Builder {
	b.ramSize = size
	return b
}

// WithKernelImageSize sets how much memory the kernel image occupies.
func (b Builder) WithKernelImageSize(size uint32) Builder {
	b.kernelImageSize = size
	return b
}

// WithTLBSeed sets the seed of the TLB random replacement register.
func (b Builder) WithTLBSeed(seed int64) Builder {
	b.tlbSeed = seed
	return b
}

// WithoutMonitoring sets the simulation to not use monitoring.
func (b Builder) WithoutMonitoring() Builder {
	b.monitorOn = false
	return b
}

// WithMonitorPort sets the port number for the monitoring server.
func (b Builder) WithMonitorPort(port int) Builder {
	b.monitorPort = port
	return b
}

// WithoutRecording sets the simulation to not record events.
func (b Builder) WithoutRecording() Builder {
	b.recordOn = false
	return b
}

// WithOutputFileName sets the custom output file name for the data recorder.
func (b Builder) WithOutputFileName(filename string) Builder {
	b.outputFileName = filename
	return b
}

// WithLogger prints every VM event into logger.
func (b Builder) WithLogger(logger *log.Logger) Builder {
	b.logger = logger
	return b
}

func (b Builder) parametersMustBeValid() {
	if !b.monitorOn && b.monitorPort != 0 {
		panic("monitor port cannot be set when monitoring is disabled")
	}

	if !b.recordOn && b.outputFileName != "" {
		panic("output file cannot be set when recording is disabled")
	}
}

// Build builds the simulation. The VM system is bootstrapped and the monitor,
// if any, is serving.
func (b Builder) Build() *Simulation {
	b.parametersMustBeValid()

	s := &Simulation{
		id: xid.New().String(),
	}

	s.system = vm.MakeBuilder().
		WithRAMSize(b.ramSize).
		WithKernelImageSize(b.kernelImageSize).
		WithTLBSeed(b.tlbSeed).
		Build("VM")

	s.counter = vm.NewEventCounter()
	s.system.AcceptHook(s.counter)
	s.system.Coremap().AcceptHook(s.counter)

	if b.logger != nil {
		logger := vm.NewEventLogger(b.logger)
		s.system.AcceptHook(logger)
		s.system.Coremap().AcceptHook(logger)
	}

	if b.recordOn {
		outputPath := b.outputFileName
		if outputPath == "" {
			outputPath = "mipsvm_" + s.id
		}

		s.dataRecorder = datarecording.New(outputPath)
		s.recordingHook = vm.NewRecordingHook(s.dataRecorder)
		s.execRecorder = datarecording.NewExecRecorder(s.dataRecorder)
		s.execRecorder.Start()

		s.system.AcceptHook(s.recordingHook)
		s.system.Coremap().AcceptHook(s.recordingHook)
	}

	s.system.Bootstrap()
	s.machine = machine.New(s.system)

	if b.monitorOn {
		s.monitor = monitoring.NewMonitor()
		if b.monitorPort > 0 {
			s.monitor.WithPortNumber(b.monitorPort)
		}
		s.monitor.RegisterVM(s.system)
		s.monitor.RegisterCounter(s.counter)
		s.monitorURL = s.monitor.StartServer()
	}

	return s
}
