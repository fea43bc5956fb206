package gpuflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/delgado-oss/gpuflow/internal/config"
	"github.com/delgado-oss/gpuflow/internal/datareg"
)

func newTestDevice(t *testing.T, driver *MockDriver, index int) *Device {
	t.Helper()
	require.NoError(t, driver.SetActiveDevice(index))
	props, err := driver.DeviceProperties(index)
	require.NoError(t, err)

	dev := newDevice(index, driver, datareg.NewRegistry(), props, nil, nil)
	require.NoError(t, dev.bringUp(config.Default()))
	return dev
}

func TestBringUpDerivesSelectorWeights(t *testing.T) {
	driver := NewMockDriver(1, 64<<20, 64<<20)
	dev := newTestDevice(t, driver, 0)

	assert.Greater(t, dev.SWeight(), 0.0)
	assert.Len(t, dev.Streams(), 2+numComputeStreams)
}

func TestBringUpFailsWhenMemoryInsufficientForOneBlock(t *testing.T) {
	driver := NewMockDriver(1, 0, 0)
	require.NoError(t, driver.SetActiveDevice(0))
	props, _ := driver.DeviceProperties(0)

	dev := newDevice(0, driver, datareg.NewRegistry(), props, nil, nil)
	err := dev.bringUp(config.Default())
	require.Error(t, err)
	assert.True(t, IsCode(err, KindOutOfResource))
}

func TestNextComputeStreamRoundRobins(t *testing.T) {
	driver := NewMockDriver(1, 64<<20, 64<<20)
	dev := newTestDevice(t, driver, 0)

	computeStreams := dev.Streams()[2:]
	first := dev.NextComputeStream()
	second := dev.NextComputeStream()
	third := dev.NextComputeStream()

	assert.Same(t, computeStreams[0], first)
	assert.Same(t, computeStreams[1], second)
	assert.Same(t, computeStreams[0], third)
}

func TestCanPeerReflectsSetPeer(t *testing.T) {
	driver := NewMockDriver(2, 64<<20, 64<<20)
	dev := newTestDevice(t, driver, 0)

	assert.False(t, dev.CanPeer(1))
	dev.setPeer(1)
	assert.True(t, dev.CanPeer(1))
	assert.False(t, dev.CanPeer(63))
}

func TestReleaseLoadUndoesProvisionalBump(t *testing.T) {
	driver := NewMockDriver(1, 64<<20, 64<<20)
	dev := newTestDevice(t, driver, 0)

	dev.Load().Add(dev.SWeight())
	before := dev.Load().Get()
	dev.ReleaseLoad()
	assert.Equal(t, before-dev.SWeight(), dev.Load().Get())
}

func TestDisableFlipsEnabled(t *testing.T) {
	driver := NewMockDriver(1, 64<<20, 64<<20)
	dev := newTestDevice(t, driver, 0)

	assert.True(t, dev.Enabled())
	dev.Disable()
	assert.False(t, dev.Enabled())
}

func TestCompleteAndFailSignalEnvelopeDone(t *testing.T) {
	driver := NewMockDriver(1, 64<<20, 64<<20)
	dev := newTestDevice(t, driver, 0)

	ok := newTaskEnvelope(TaskSpec{}, nil, 1, driver)
	dev.markTaskStart(ok)
	dev.Complete(ok)
	res := <-ok.done
	assert.NoError(t, res.err)

	failing := newTaskEnvelope(TaskSpec{}, nil, 1, driver)
	dev.markTaskStart(failing)
	wantErr := NewError("Submit", KindTransferFailed, "boom")
	dev.Fail(failing, wantErr)
	res = <-failing.done
	assert.Equal(t, wantErr, res.err)
}

func TestFailOnNonTaskEnvelopeDoesNotPanic(t *testing.T) {
	driver := NewMockDriver(1, 64<<20, 64<<20)
	dev := newTestDevice(t, driver, 0)

	assert.NotPanics(t, func() {
		dev.Fail(&drainEnvelope{}, NewError("drain", KindTransferFailed, "boom"))
	})
}

func TestCPUAffinityDefaultsUnpinned(t *testing.T) {
	driver := NewMockDriver(1, 64<<20, 64<<20)
	dev := newTestDevice(t, driver, 0)

	assert.Equal(t, -1, dev.CPUAffinity())
	dev.SetCPUAffinity(3)
	assert.Equal(t, 3, dev.CPUAffinity())
}
