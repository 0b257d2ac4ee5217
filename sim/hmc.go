package sim

import (
	"encoding/binary"
	"fmt"

	"github.com/slackhq/ixl/adminq"
	"github.com/slackhq/ixl/dma"
	"github.com/slackhq/ixl/hmc"
)

type segment struct {
	dir   dma.Addr
	pages uint32
}

// hmcTables is what the firmware was told about host memory: one page
// directory per segment and the placement of each object type.
type hmcTables struct {
	mem      *dma.Mmap
	segments map[uint32]segment
	objects  map[hmc.ObjectType]hmc.Entry
}

func (h *hmcTables) init(mem *dma.Mmap) {
	h.mem = mem
	h.segments = make(map[uint32]segment)
	h.objects = make(map[hmc.ObjectType]hmc.Entry)
}

func (h *hmcTables) setSegment(sd, pages uint32, dir dma.Addr) adminq.ReturnCode {
	if pages == 0 || pages > hmc.PagesPerSegment {
		return adminq.RCEINVAL
	}
	if _, err := h.mem.Resolve(dir, int(pages)*hmc.PageDirectoryEntrySize); err != nil {
		return adminq.RCEFAULT
	}
	h.segments[sd] = segment{dir: dir, pages: pages}
	return adminq.RCOK
}

func (h *hmcTables) setObject(t, base, count, size uint32) adminq.ReturnCode {
	if size == 0 || count == 0 {
		return adminq.RCEINVAL
	}
	h.objects[hmc.ObjectType(t)] = hmc.Entry{Base: uint64(base) * hmc.Granule, Count: count, Size: size}
	return adminq.RCOK
}

// page walks the page directory for the backing page of region offset off.
func (h *hmcTables) page(off uint64) ([]byte, error) {
	n := off / hmc.PageSize
	seg, ok := h.segments[uint32(n/hmc.PagesPerSegment)]
	if !ok {
		return nil, fmt.Errorf("no segment maps page %d", n)
	}
	idx := n % hmc.PagesPerSegment
	if idx >= uint64(seg.pages) {
		return nil, fmt.Errorf("page %d is past the %d pages of its segment", n, seg.pages)
	}

	pde, err := h.mem.Resolve(seg.dir+dma.Addr(idx*hmc.PageDirectoryEntrySize), hmc.PageDirectoryEntrySize)
	if err != nil {
		return nil, err
	}
	e := binary.LittleEndian.Uint64(pde)
	if e&hmc.PageValid == 0 {
		return nil, fmt.Errorf("page %d is not valid", n)
	}
	return h.mem.Resolve(dma.Addr(e&^uint64(hmc.PageSize-1)), hmc.PageSize)
}

// readObject copies object i of type t out of host memory.
func (h *hmcTables) readObject(t hmc.ObjectType, i uint32) ([]byte, error) {
	e, ok := h.objects[t]
	if !ok {
		return nil, fmt.Errorf("%s objects were never placed", t)
	}
	if i >= e.Count {
		return nil, fmt.Errorf("%s object %d out of %d", t, i, e.Count)
	}

	obj := make([]byte, e.Size)
	off := e.Base + uint64(i)*uint64(e.Size)
	for n := 0; n < len(obj); {
		p, err := h.page(off)
		if err != nil {
			return nil, err
		}
		c := copy(obj[n:], p[off%hmc.PageSize:])
		n += c
		off += uint64(c)
	}
	return obj, nil
}
