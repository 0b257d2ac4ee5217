package hmc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/slackhq/ixl/adminq"
	"github.com/slackhq/ixl/dma"
)

// PageValid marks a page directory entry as present.
const PageValid = 0x1

// PageDirectoryEntrySize is the size of one page directory entry.
const PageDirectoryEntrySize = 8

// Executor runs a command to completion. *adminq.Channel satisfies it.
type Executor interface {
	Poll(d adminq.Descriptor, buf []byte, timeout time.Duration) (adminq.Result, error)
}

// Region is a layout bound to host memory and programmed into the device.
type Region struct {
	layout *Layout
	alloc  dma.Allocator
	mem    *dma.Buffer
	dirs   []*dma.Buffer
}

// Bind allocates backing pages for layout, builds one page directory page per
// segment, and programs the segments and every object type's placement into
// the device. A command timeout surfaces as adminq.ErrChannelTimeout.
func Bind(exec Executor, a dma.Allocator, layout *Layout, timeout time.Duration) (*Region, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	if layout.Size() == 0 {
		return nil, fmt.Errorf("%w: nothing to bind", ErrCapacity)
	}

	r := &Region{layout: layout, alloc: a}

	var err error
	r.mem, err = a.Alloc(int(layout.Size()), PageSize)
	if err != nil {
		return nil, fmt.Errorf("allocate hmc backing: %w", err)
	}

	for sd := range layout.Segments() {
		pd, err := a.Alloc(PageSize, PageSize)
		if err != nil {
			r.Release()
			return nil, fmt.Errorf("allocate hmc page directory %d: %w", sd, err)
		}
		r.dirs = append(r.dirs, pd)

		first := sd * PagesPerSegment
		n := min(PagesPerSegment, layout.Pages()-first)
		for i := range n {
			page := uint64(r.mem.Addr()) + uint64(first+i)*PageSize
			binary.LittleEndian.PutUint64(pd.Bytes()[i*PageDirectoryEntrySize:], page|PageValid)
		}
		pd.Sync(dma.SyncForDevice)

		d := adminq.Descriptor{Opcode: adminq.OpSetHMCSegment}
		d.Params[0] = uint32(sd)
		d.Params[1] = uint32(n)
		d.SetAddr(uint64(pd.Addr()))
		if _, err := exec.Poll(d, nil, timeout); err != nil {
			r.Release()
			return nil, fmt.Errorf("program hmc segment %d: %w", sd, err)
		}
	}

	for t := range numObjectTypes {
		e, ok := layout.Entry(t)
		if !ok {
			continue
		}

		d := adminq.Descriptor{Opcode: adminq.OpSetHMCObject}
		d.Params[0] = uint32(t)
		d.Params[1] = uint32(e.Base / Granule)
		d.Params[2] = e.Count
		d.Params[3] = e.Size
		if _, err := exec.Poll(d, nil, timeout); err != nil {
			r.Release()
			return nil, fmt.Errorf("program hmc %s placement: %w", t, err)
		}
	}

	return r, nil
}

// Layout returns the layout the region was bound with.
func (r *Region) Layout() *Layout { return r.layout }

// Object returns the memory of object i of type t.
func (r *Region) Object(t ObjectType, i uint32) ([]byte, error) {
	e, ok := r.layout.Entry(t)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not in the layout", ErrCapacity, t)
	}
	if i >= e.Count {
		return nil, fmt.Errorf("%w: %s object %d out of %d", ErrCapacity, t, i, e.Count)
	}

	off := e.Base + uint64(i)*uint64(e.Size)
	return r.mem.Bytes()[off : off+uint64(e.Size)], nil
}

// Write packs rec into object i of type t with table tbl.
func (r *Region) Write(t ObjectType, i uint32, rec any, tbl Table) error {
	obj, err := r.Object(t, i)
	if err != nil {
		return err
	}
	clear(obj)
	if err := PackRecord(obj, rec, tbl); err != nil {
		return err
	}
	r.mem.Sync(dma.SyncForDevice)
	return nil
}

// Read unpacks object i of type t into rec.
func (r *Region) Read(t ObjectType, i uint32, rec any, tbl Table) error {
	obj, err := r.Object(t, i)
	if err != nil {
		return err
	}
	r.mem.Sync(dma.SyncForCPU)
	return UnpackRecord(rec, obj, tbl)
}

// Release frees the backing pages and page directories.
func (r *Region) Release() error {
	var errs []error
	for _, pd := range r.dirs {
		errs = append(errs, r.alloc.Free(pd))
	}
	r.dirs = nil
	if r.mem != nil {
		errs = append(errs, r.alloc.Free(r.mem))
		r.mem = nil
	}
	return errors.Join(errs...)
}
