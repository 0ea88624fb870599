package sim

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/behrlich/go-rnvme/hw"
	"github.com/behrlich/go-rnvme/internal/logging"
	"github.com/behrlich/go-rnvme/rproc"
)

func newTestDevice(t *testing.T, prof Profile) *Device {
	t.Helper()
	d, err := New(prof, logging.Default())
	require.NoError(t, err)
	return d
}

func TestProfileValidate(t *testing.T) {
	require.NoError(t, DefaultProfile().Validate())

	mutate := func(f func(*Profile)) Profile {
		p := DefaultProfile()
		f(&p)
		return p
	}
	tests := []struct {
		name string
		prof Profile
	}{
		{"zero disk", mutate(func(p *Profile) { p.DiskBytes = 0 })},
		{"unaligned disk", mutate(func(p *Profile) { p.DiskBytes = 4097 })},
		{"inverted protocol window", mutate(func(p *Profile) { p.ProtocolMin = 13; p.ProtocolMax = 12 })},
		{"no map chunks", mutate(func(p *Profile) { p.EPMapChunks = 0 })},
		{"too many map chunks", mutate(func(p *Profile) { p.EPMapChunks = 3 })},
		{"no syslog entries", mutate(func(p *Profile) { p.SyslogEntries = 0 })},
		{"oversized syslog message", mutate(func(p *Profile) { p.SyslogMsgSize = 0x100 })},
		{"unaligned crash buffer", mutate(func(p *Profile) { p.CrashBufBytes = 100 })},
		{"unknown filter version", mutate(func(p *Profile) { p.FilterVersion = 5 })},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.prof.Validate())
			_, err := New(tt.prof, logging.Default())
			assert.Error(t, err)
		})
	}
}

func TestLoadProfileOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"disk_bytes: 16777216\nserial: TESTSERIAL\nparked: true\n"), 0o644))

	p, err := LoadProfile(path)
	require.NoError(t, err)
	assert.Equal(t, int64(16<<20), p.DiskBytes)
	assert.Equal(t, "TESTSERIAL", p.Serial)
	assert.True(t, p.Parked)

	// Fields the file does not name keep their defaults.
	def := DefaultProfile()
	assert.Equal(t, def.Model, p.Model)
	assert.Equal(t, def.ProtocolMax, p.ProtocolMax)
	assert.Equal(t, def.SyslogEntries, p.SyslogEntries)
}

func TestLoadProfileErrors(t *testing.T) {
	_, err := LoadProfile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("disk_bytes: [not a number"), 0o644))
	_, err = LoadProfile(bad)
	assert.Error(t, err)

	invalid := filepath.Join(t.TempDir(), "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("disk_bytes: 123\n"), 0o644))
	_, err = LoadProfile(invalid)
	assert.Error(t, err)
}

func TestRunBitStartsHandshake(t *testing.T) {
	d := newTestDevice(t, DefaultProfile())

	// Nothing happens while the coprocessor is held in reset.
	select {
	case msg := <-d.Inbox():
		t.Fatalf("unexpected message before release: %+v", msg)
	default:
	}

	d.Coproc().Write32(rproc.RegCPUControl, rproc.CPUControlRun)

	msg := <-d.Inbox()
	assert.Equal(t, rproc.EPManagement, msg.Endpoint)
	minVer, maxVer := rproc.HelloVersions(msg.Payload)
	assert.Equal(t, 11, minVer)
	assert.Equal(t, 12, maxVer)

	// Setting the bit again is not another release.
	d.Coproc().Write32(rproc.RegCPUControl, rproc.CPUControlRun)
	select {
	case msg := <-d.Inbox():
		t.Fatalf("second hello after redundant run bit: %+v", msg)
	default:
	}
}

func TestParkedFirmwareWaitsForWakeup(t *testing.T) {
	prof := DefaultProfile()
	prof.Parked = true
	d := newTestDevice(t, prof)

	// The run bit is preset, so there is no edge to kick the handshake.
	assert.NotZero(t, d.Coproc().Read32(rproc.RegCPUControl)&rproc.CPUControlRun)
	select {
	case msg := <-d.Inbox():
		t.Fatalf("parked firmware spoke first: %+v", msg)
	default:
	}

	require.NoError(t, d.Mailbox().Send(rproc.Message{
		Endpoint: rproc.EPManagement,
		Payload:  rproc.MgmtWakeup,
	}))
	msg := <-d.Inbox()
	assert.Equal(t, rproc.EPManagement, msg.Endpoint)
	assert.Equal(t, uint8(1), rproc.MgmtType(msg.Payload), "expected a hello")
}

func TestMailboxDropsWhenInboxFull(t *testing.T) {
	d := newTestDevice(t, DefaultProfile())

	// The inbox FIFO holds 256 messages; everything past that is lost,
	// and counted.
	for i := 0; i < 300; i++ {
		d.InjectAppMessage(rproc.EPAppBase, uint64(i))
	}
	assert.Equal(t, uint64(300-256), d.MailboxDrops())
}

func TestDisappearReadsAllOnes(t *testing.T) {
	d := newTestDevice(t, DefaultProfile())
	d.Disappear()

	assert.Equal(t, ^uint32(0), d.Registers().Read32(hw.RegCSTS))
	assert.Equal(t, ^uint64(0), d.Registers().Read64(hw.RegCAP))
	assert.Equal(t, ^uint32(0), d.Coproc().Read32(rproc.RegCPUControl))
	assert.Equal(t, ^uint32(0), d.Filter().Read32(0))
}

func TestBootCarveoutSeedsFilter(t *testing.T) {
	for _, ver := range []int{2, 3} {
		prof := DefaultProfile()
		prof.FilterVersion = ver
		d := newTestDevice(t, prof)

		// Entry 0 is the firmware's own window: enabled, non-zero base.
		cfg := d.Filter().Read32(0x00)
		assert.NotZero(t, cfg>>24, "version %d: entry 0 not enabled", ver)
		assert.NotZero(t, d.Filter().Read32(0x40), "version %d: entry 0 has no base", ver)
		if ver == 3 {
			assert.NotZero(t, d.Filter().Read32(0x80), "entry 0 has no size register")
		}
	}
}

func TestDoorbellBeforeEnableIsIgnored(t *testing.T) {
	d := newTestDevice(t, DefaultProfile())

	d.Registers().Write32(hw.RegLinearASQDoorbell, 0)
	assert.Zero(t, d.Commands())
	select {
	case <-d.IRQ():
		t.Fatal("interrupt from a rejected doorbell")
	default:
	}
}

func TestCapabilitiesAdvertiseGeometry(t *testing.T) {
	d := newTestDevice(t, DefaultProfile())
	caps := d.Registers().Read64(hw.RegCAP)

	assert.Equal(t, uint16(hw.IOQueueDepth-1), hw.CapMQES(caps))
	assert.Equal(t, uint32(4), hw.CapStride(caps))
}
