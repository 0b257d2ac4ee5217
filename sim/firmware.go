package sim

import (
	"slices"

	"github.com/slackhq/ixl/adminq"
	"github.com/slackhq/ixl/dma"
	"github.com/slackhq/ixl/hw"
)

type fault struct {
	rc adminq.ReturnCode
	n  int
}

type event struct {
	desc adminq.Descriptor
	data []byte
}

// firmware is the admin queue command processor.
type firmware struct {
	version adminq.Version
	caps    []adminq.Capability
	link    adminq.LinkStatus

	// lse is set by get_link_status with events enabled and consumed by the
	// next link change, which then posts one event.
	lse bool

	stalled    bool
	faults     map[adminq.Opcode]fault
	owned      map[adminq.Resource]bool
	driverName string
	shutdown   bool
	events     []event
	executed   []adminq.Opcode
}

func (f *firmware) init(cfg Config) {
	f.version = cfg.Version
	f.link = cfg.Link
	f.faults = make(map[adminq.Opcode]fault)
	f.owned = make(map[adminq.Resource]bool)
	f.caps = []adminq.Capability{
		{ID: adminq.CapRxQ, Major: 1, Number: uint32(cfg.QueuePairs)},
		{ID: adminq.CapTxQ, Major: 1, Number: uint32(cfg.QueuePairs)},
		{ID: adminq.CapMSIX, Major: 1, Number: uint32(cfg.Vectors)},
		{ID: adminq.CapRSS, Major: 1, Number: 512, Logical: 7},
	}
}

func ringBase(lo, hi uint32) dma.Addr {
	return dma.Addr(uint64(hi)<<32 | uint64(lo))
}

// processAdminLocked executes every command between the device head and the
// tail the driver wrote.
func (d *Device) processAdminLocked() {
	length := d.regs[hw.ATQLEN]
	size := length & hw.AQLenMask
	if d.fw.stalled || length&hw.AQLenEnable == 0 || size == 0 {
		return
	}

	ring, err := d.mem.Resolve(ringBase(d.regs[hw.ATQBAL], d.regs[hw.ATQBAH]), int(size)*adminq.DescriptorSize)
	if err != nil {
		d.l.WithError(err).Error("Admin submit ring is not mapped")
		d.regs[hw.ATQLEN] |= hw.AQLenCritErr
		return
	}

	head := d.regs[hw.ATQH] & hw.AQHeadMask
	tail := d.regs[hw.ATQT] & hw.AQHeadMask
	interrupt := false
	for head != tail {
		slot := ring[head*adminq.DescriptorSize : (head+1)*adminq.DescriptorSize]

		var desc adminq.Descriptor
		if err := desc.UnmarshalFrom(slot); err != nil {
			d.regs[hw.ATQLEN] |= hw.AQLenCritErr
			return
		}
		d.executeLocked(&desc)
		if err := desc.MarshalTo(slot); err != nil {
			d.regs[hw.ATQLEN] |= hw.AQLenCritErr
			return
		}

		if desc.Flags&adminq.FlagSI != 0 {
			interrupt = true
		}
		head = (head + 1) % size
		d.regs[hw.ATQH] = head
	}

	if interrupt {
		d.raiseAdminLocked()
	}
}

func (d *Device) executeLocked(desc *adminq.Descriptor) {
	op := desc.Opcode
	d.fw.executed = append(d.fw.executed, op)
	desc.Flags |= adminq.FlagDD | adminq.FlagCMP

	rc := adminq.RCOK
	if f, ok := d.fw.faults[op]; ok {
		rc = f.rc
		if f.n--; f.n <= 0 {
			delete(d.fw.faults, op)
		} else {
			d.fw.faults[op] = f
		}
	} else {
		var buf []byte
		if desc.Flags&adminq.FlagBUF != 0 && desc.DataLen > 0 {
			b, err := d.mem.Resolve(dma.Addr(desc.Addr()), int(desc.DataLen))
			if err != nil {
				rc = adminq.RCEFAULT
			}
			buf = b
		}
		if rc == adminq.RCOK {
			rc = d.commandLocked(desc, buf)
		}
	}

	desc.RetVal = uint16(rc)
	if rc != adminq.RCOK {
		desc.Flags |= adminq.FlagERR
	}
}

func (d *Device) commandLocked(desc *adminq.Descriptor, buf []byte) adminq.ReturnCode {
	fw := &d.fw

	switch desc.Opcode {
	case adminq.OpGetVersion:
		fw.version.Encode(desc)

	case adminq.OpDriverVersion:
		if desc.Flags&adminq.FlagRD == 0 {
			return adminq.RCEINVAL
		}
		fw.driverName = string(buf)

	case adminq.OpQueueShutdown:
		fw.shutdown = desc.Params[0]&1 != 0

	case adminq.OpRequestResource:
		fw.owned[adminq.Resource(uint16(desc.Params[0]))] = true

	case adminq.OpReleaseResource:
		r := adminq.Resource(uint16(desc.Params[0]))
		if !fw.owned[r] {
			return adminq.RCENOENT
		}
		delete(fw.owned, r)

	case adminq.OpListFuncCaps:
		b, err := adminq.EncodeCapabilities(fw.caps)
		if err != nil {
			return adminq.RCEIO
		}
		desc.Params[1] = uint32(len(fw.caps))
		if len(buf) < len(b) {
			return adminq.RCENOMEM
		}
		desc.DataLen = uint16(copy(buf, b))

	case adminq.OpGetLinkStatus:
		switch uint16(desc.Params[0]) & 0x3 {
		case adminq.LSEEnable:
			fw.lse = true
		case adminq.LSEDisable:
			fw.lse = false
		}
		s := fw.link
		if fw.lse {
			s.Flags = adminq.LSEEnable
		}
		s.Encode(desc)

	case adminq.OpGetPhyAbilities, adminq.OpSetPhyIntMask:

	case adminq.OpSetHMCSegment:
		return d.hmc.setSegment(desc.Params[0], desc.Params[1], dma.Addr(desc.Addr()))

	case adminq.OpSetHMCObject:
		return d.hmc.setObject(desc.Params[0], desc.Params[1], desc.Params[2], desc.Params[3])

	default:
		return adminq.RCENOSYS
	}
	return adminq.RCOK
}

// postEventsLocked writes queued events into receive buffers the driver
// posted, in order, until either runs out.
func (d *Device) postEventsLocked() {
	length := d.regs[hw.ARQLEN]
	size := length & hw.AQLenMask
	if len(d.fw.events) == 0 || length&hw.AQLenEnable == 0 || size == 0 {
		return
	}

	ring, err := d.mem.Resolve(ringBase(d.regs[hw.ARQBAL], d.regs[hw.ARQBAH]), int(size)*adminq.DescriptorSize)
	if err != nil {
		d.l.WithError(err).Error("Admin receive ring is not mapped")
		d.regs[hw.ARQLEN] |= hw.AQLenCritErr
		return
	}

	head := d.regs[hw.ARQH] & hw.AQHeadMask
	tail := d.regs[hw.ARQT] & hw.AQHeadMask
	posted := false
	for len(d.fw.events) > 0 && head != tail {
		slot := ring[head*adminq.DescriptorSize : (head+1)*adminq.DescriptorSize]

		var rx adminq.Descriptor
		if err := rx.UnmarshalFrom(slot); err != nil {
			break
		}

		ev := d.fw.events[0]
		d.fw.events = d.fw.events[1:]

		out := ev.desc
		out.Flags |= adminq.FlagDD | adminq.FlagCMP
		out.DataLen = 0
		if len(ev.data) > 0 && rx.Flags&adminq.FlagBUF != 0 {
			if b, err := d.mem.Resolve(dma.Addr(rx.Addr()), int(rx.DataLen)); err == nil {
				out.Flags |= adminq.FlagBUF
				out.DataLen = uint16(copy(b, ev.data))
				out.SetAddr(rx.Addr())
			}
		}
		if err := out.MarshalTo(slot); err != nil {
			break
		}

		head = (head + 1) % size
		d.regs[hw.ARQH] = head
		posted = true
	}

	if posted {
		d.raiseAdminLocked()
	}
}

// StallAdmin stops the firmware from consuming submitted commands. Unstalling
// processes whatever was submitted in the meantime.
func (d *Device) StallAdmin(stall bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.fw.stalled = stall
	if !stall {
		d.processAdminLocked()
	}
}

// FailNext makes the next n commands with opcode op complete with rc.
func (d *Device) FailNext(op adminq.Opcode, rc adminq.ReturnCode, n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fw.faults[op] = fault{rc: rc, n: n}
}

// SetLink changes the link state. If the driver armed link events, one event
// is posted and the arming is consumed.
func (d *Device) SetLink(s adminq.LinkStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.fw.link = s
	if !d.fw.lse {
		return
	}
	d.fw.lse = false

	ev := adminq.Descriptor{Opcode: adminq.OpGetLinkStatus}
	s.Encode(&ev)
	d.fw.events = append(d.fw.events, event{desc: ev})
	d.postEventsLocked()
}

// Link returns the current link state.
func (d *Device) Link() adminq.LinkStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fw.link
}

// LinkEventsArmed reports whether a link change would post an event.
func (d *Device) LinkEventsArmed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fw.lse
}

// PostEvent queues an unsolicited event for the driver.
func (d *Device) PostEvent(desc adminq.Descriptor, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.fw.events = append(d.fw.events, event{desc: desc, data: slices.Clone(data)})
	d.postEventsLocked()
}

// Executed returns the opcodes of every command the firmware has processed.
func (d *Device) Executed() []adminq.Opcode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.fw.executed)
}

// DriverName is the string last reported with driver_version.
func (d *Device) DriverName() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fw.driverName
}

// Owns reports whether the driver holds resource r.
func (d *Device) Owns(r adminq.Resource) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fw.owned[r]
}

// ShutdownRequested reports whether the driver announced it is unloading.
func (d *Device) ShutdownRequested() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fw.shutdown
}
