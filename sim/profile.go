package sim

import (
	"os"

	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"

	"github.com/behrlich/go-rnvme/hw"
)

// Profile describes the device a simulation presents: media geometry,
// identify strings, the protocol window its firmware speaks, and the
// shape of the boot handshake. Zero fields keep their defaults, so a
// YAML profile only has to name what it changes.
type Profile struct {
	// DiskBytes is the media size. Must be a multiple of the block size.
	DiskBytes int64 `yaml:"disk_bytes"`

	Serial   string `yaml:"serial"`
	Model    string `yaml:"model"`
	Firmware string `yaml:"firmware"`
	VendorID uint16 `yaml:"vendor_id"`

	// MaxTransferShift is the MDTS field of the identify payload, in
	// pages. Zero advertises no limit.
	MaxTransferShift uint8 `yaml:"max_transfer_shift"`

	// ProtocolMin and ProtocolMax bound the versions the firmware
	// offers in its hello. Windows outside the driver's range make the
	// boot fail, which is sometimes the point.
	ProtocolMin int `yaml:"protocol_min"`
	ProtocolMax int `yaml:"protocol_max"`

	// EPMapChunks selects how many endpoint-map segments the firmware
	// advertises. Two chunks adds an application endpoint in the
	// second segment and exercises the continuation ack.
	EPMapChunks int `yaml:"epmap_chunks"`

	// UnknownEP advertises endpoint 5, which no driver recognizes.
	UnknownEP bool `yaml:"unknown_endpoint"`

	// Parked presets the run bit so the boot goes through the wakeup
	// message instead of releasing the coprocessor from reset.
	Parked bool `yaml:"parked"`

	SyslogEntries int `yaml:"syslog_entries"`
	SyslogMsgSize int `yaml:"syslog_msg_size"`

	// CrashBufBytes sizes the crash dump buffer. Page multiple.
	CrashBufBytes int `yaml:"crash_buf_bytes"`

	// FilterVersion picks the DMA filter register encoding the window
	// models: 2 packs the size into the config word, 3 has a size
	// register.
	FilterVersion int `yaml:"filter_version"`

	// DMABudget caps the bus address space handed to the driver.
	// Zero is unlimited.
	DMABudget int `yaml:"dma_budget"`
}

// DefaultProfile is an 8 MiB disk behind a firmware that speaks the
// current protocol and advertises every system endpoint plus one
// application endpoint.
func DefaultProfile() Profile {
	return Profile{
		DiskBytes:        8 << 20,
		Serial:           "SIM00000001",
		Model:            "SIM VIRTUAL DISK",
		Firmware:         "1.0",
		VendorID:         0x1b36,
		MaxTransferShift: 5,
		ProtocolMin:      11,
		ProtocolMax:      12,
		EPMapChunks:      2,
		SyslogEntries:    8,
		SyslogMsgSize:    0x80,
		CrashBufBytes:    4 * hw.PageSize,
		FilterVersion:    2,
	}
}

// LoadProfile reads a YAML profile, overlaying it on the defaults.
func LoadProfile(path string) (Profile, error) {
	p := DefaultProfile()
	data, err := os.ReadFile(path)
	if err != nil {
		return p, errors.Wrap(err, "sim: profile")
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, errors.Wrap(err, "sim: profile")
	}
	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}

// Validate rejects geometry the device model cannot present.
func (p Profile) Validate() error {
	if p.DiskBytes <= 0 || p.DiskBytes%hw.BlockSize != 0 {
		return errors.Errorf("sim: disk size %d not a positive multiple of %d", p.DiskBytes, hw.BlockSize)
	}
	if p.ProtocolMin > p.ProtocolMax {
		return errors.Errorf("sim: protocol window %d-%d inverted", p.ProtocolMin, p.ProtocolMax)
	}
	if p.EPMapChunks < 1 || p.EPMapChunks > 2 {
		return errors.Errorf("sim: %d endpoint map chunks unsupported", p.EPMapChunks)
	}
	if p.SyslogEntries < 1 || p.SyslogEntries > 0xff {
		return errors.Errorf("sim: %d syslog entries out of range", p.SyslogEntries)
	}
	if p.SyslogMsgSize < 1 || p.SyslogMsgSize > 0xff {
		return errors.Errorf("sim: syslog message size %d out of range", p.SyslogMsgSize)
	}
	if p.CrashBufBytes <= 0 || p.CrashBufBytes%hw.PageSize != 0 {
		return errors.Errorf("sim: crash buffer %d not a positive page multiple", p.CrashBufBytes)
	}
	if p.FilterVersion != 2 && p.FilterVersion != 3 {
		return errors.Errorf("sim: filter version %d unsupported", p.FilterVersion)
	}
	return nil
}
