package adminq

import (
	"bytes"
	"fmt"
	"time"

	"github.com/lunixbochs/struc"
)

// Version is the firmware and admin API version reported by get_version.
type Version struct {
	ROMBuild uint32
	FWBuild  uint32
	FWMajor  uint16
	FWMinor  uint16
	APIMajor uint16
	APIMinor uint16
}

func (v Version) String() string {
	return fmt.Sprintf("fw %d.%d.%d api %d.%d", v.FWMajor, v.FWMinor, v.FWBuild, v.APIMajor, v.APIMinor)
}

// Encode writes v into a get_version completion.
func (v Version) Encode(d *Descriptor) {
	d.Params = [4]uint32{
		v.ROMBuild,
		v.FWBuild,
		uint32(v.FWMajor) | uint32(v.FWMinor)<<16,
		uint32(v.APIMajor) | uint32(v.APIMinor)<<16,
	}
}

func decodeVersion(d Descriptor) Version {
	return Version{
		ROMBuild: d.Params[0],
		FWBuild:  d.Params[1],
		FWMajor:  uint16(d.Params[2]),
		FWMinor:  uint16(d.Params[2] >> 16),
		APIMajor: uint16(d.Params[3]),
		APIMinor: uint16(d.Params[3] >> 16),
	}
}

// GetVersion polls the firmware for its version. It doubles as the arming
// handshake.
func (c *Channel) GetVersion() (Version, error) {
	res, err := c.Poll(Descriptor{Opcode: OpGetVersion}, nil, c.opts.timeout)
	if err != nil {
		return Version{}, err
	}
	return decodeVersion(res.Desc), nil
}

// Capability identifiers reported by list_func_caps.
const (
	CapRSS  uint16 = 0x0040
	CapRxQ  uint16 = 0x0041
	CapTxQ  uint16 = 0x0042
	CapMSIX uint16 = 0x0043
)

// CapabilityRecordSize is the size of one list_func_caps record.
const CapabilityRecordSize = 32

// Capability is one list_func_caps record.
type Capability struct {
	ID       uint16    `struc:"uint16,little"`
	Major    uint8     `struc:"uint8"`
	Minor    uint8     `struc:"uint8"`
	Number   uint32    `struc:"uint32,little"`
	Logical  uint32    `struc:"uint32,little"`
	Physical uint32    `struc:"uint32,little"`
	Reserved [16]uint8 `struc:"[16]uint8"`
}

// EncodeCapabilities lays caps out the way list_func_caps returns them.
func EncodeCapabilities(caps []Capability) ([]byte, error) {
	var b bytes.Buffer
	for i := range caps {
		if err := struc.Pack(&b, &caps[i]); err != nil {
			return nil, fmt.Errorf("pack capability %#x: %w", caps[i].ID, err)
		}
	}
	return b.Bytes(), nil
}

// DecodeCapabilities parses n records out of b.
func DecodeCapabilities(b []byte, n int) ([]Capability, error) {
	if n*CapabilityRecordSize > len(b) {
		return nil, fmt.Errorf("capability buffer holds %d bytes, %d records need %d", len(b), n, n*CapabilityRecordSize)
	}

	r := bytes.NewReader(b)
	caps := make([]Capability, n)
	for i := range caps {
		if err := struc.Unpack(r, &caps[i]); err != nil {
			return nil, fmt.Errorf("unpack capability %d: %w", i, err)
		}
	}
	return caps, nil
}

// ListCapabilities polls the firmware for the function's capabilities.
func (c *Channel) ListCapabilities() ([]Capability, error) {
	buf := make([]byte, c.opts.bufferSize)
	res, err := c.Poll(Descriptor{Opcode: OpListFuncCaps}, buf, c.opts.timeout)
	if err != nil {
		return nil, err
	}
	return DecodeCapabilities(res.Data, int(res.Desc.Params[1]))
}

// Resource identifies a shared hardware resource guarded by the firmware.
type Resource uint16

const (
	ResourceNVM        Resource = 1
	ResourceSDP        Resource = 2
	ResourceChangeLock Resource = 3
	ResourceGlobalCfg  Resource = 4
)

// Access is the kind of ownership requested on a Resource.
type Access uint16

const (
	AccessRead  Access = 1
	AccessWrite Access = 2
)

// RequestResource takes ownership of a firmware resource, retrying while the
// firmware reports it busy. Requesting the same resource twice is harmless.
func (c *Channel) RequestResource(r Resource, a Access, hold time.Duration) error {
	d := Descriptor{Opcode: OpRequestResource}
	d.Params[0] = uint32(r) | uint32(a)<<16
	d.Params[1] = uint32(hold / time.Millisecond)

	return c.retryBusy(func() error {
		_, err := c.Poll(d, nil, c.opts.timeout)
		return err
	})
}

// ReleaseResource gives up a resource taken with RequestResource.
func (c *Channel) ReleaseResource(r Resource) error {
	d := Descriptor{Opcode: OpReleaseResource}
	d.Params[0] = uint32(r)
	_, err := c.Poll(d, nil, c.opts.timeout)
	return err
}

// QueueShutdown tells the firmware the driver is going away.
func (c *Channel) QueueShutdown(unloading bool) error {
	d := Descriptor{Opcode: OpQueueShutdown}
	if unloading {
		d.Params[0] = 1
	}
	_, err := c.Poll(d, nil, c.opts.timeout)
	return err
}

// DriverVersion reports the driver's version string to the firmware. The
// command is fire and forget.
func (c *Channel) DriverVersion(major, minor, build, sub uint8, name string) error {
	d := Descriptor{Opcode: OpDriverVersion, Flags: FlagRD}
	d.Params[0] = uint32(major) | uint32(minor)<<8 | uint32(build)<<16 | uint32(sub)<<24
	_, err := c.Submit(d, []byte(name))
	return err
}
