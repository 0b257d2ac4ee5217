package hw

// Admin queue registers. The receive (event) side mirrors the submit side 0x80
// bytes up.
const (
	ATQBAL uint32 = 0x00080000
	ATQBAH uint32 = 0x00080100
	ATQLEN uint32 = 0x00080200
	ATQH   uint32 = 0x00080300
	ATQT   uint32 = 0x00080400

	ARQBAL uint32 = 0x00080080
	ARQBAH uint32 = 0x00080180
	ARQLEN uint32 = 0x00080280
	ARQH   uint32 = 0x00080380
	ARQT   uint32 = 0x00080480

	// Set in ATQLEN/ARQLEN to enable the queue.
	AQLenEnable uint32 = 1 << 31
	// Reported by the device in ATQLEN/ARQLEN when a descriptor was malformed.
	AQLenCritErr uint32 = 1 << 30
	AQLenMask    uint32 = 0x3ff

	AQHeadMask uint32 = 0x3ff
)

// Queue registers. n is the absolute queue index.
func QTXTail(n int) uint32 { return 0x00108000 + 4*uint32(n) }
func QRXTail(n int) uint32 { return 0x00128000 + 4*uint32(n) }
func QTXEna(n int) uint32  { return 0x00100000 + 4*uint32(n) }
func QRXEna(n int) uint32  { return 0x00120000 + 4*uint32(n) }
func QTXCtl(n int) uint32  { return 0x00104000 + 4*uint32(n) }

const (
	QEnaReq  uint32 = 1 << 0
	QEnaStat uint32 = 1 << 2

	// QTX_CTL queue type for a PF owned queue.
	QTXCtlPFQueue uint32 = 0x2
)

// Interrupt registers.
const (
	PFINTICR0    uint32 = 0x00038780
	PFINTICR0Ena uint32 = 0x00038800
	PFINTDynCtl0 uint32 = 0x00038480
	PFINTITR0    uint32 = 0x00038000 // three ITR indexes, 0x80 apart
	PFINTLnkLst0 uint32 = 0x00038500

	ICR0AdminQ  uint32 = 1 << 30
	ICR0Queue0  uint32 = 1 << 1 // queue causes routed to vector 0
	ICR0Intevnt uint32 = 1 << 31

	DynCtlIntEna   uint32 = 1 << 0
	DynCtlClearPBA uint32 = 1 << 1
	DynCtlSWIntTrg uint32 = 1 << 2
	// ITR index 3 means "no ITR update" when re-arming.
	DynCtlITRNone uint32 = 0x3 << 3
)

// PFINTDynCtlN is the dynamic control register of vector v, v >= 1.
func PFINTDynCtlN(v int) uint32 { return 0x00034800 + 4*uint32(v-1) }

// PFINTITRN is the throttle register for ITR index i of vector v, v >= 1.
func PFINTITRN(i, v int) uint32 { return 0x00030000 + 0x800*uint32(i) + 4*uint32(v-1) }

// QINTTQCtl and QINTRQCtl route a queue's Tx and Rx causes to a vector.
func QINTTQCtl(n int) uint32 { return 0x0003c000 + 4*uint32(n) }
func QINTRQCtl(n int) uint32 { return 0x0003a000 + 4*uint32(n) }

const (
	QIntCtlMSIXShift = 0
	QIntCtlMSIXMask  = 0xff
	QIntCtlCauseEna  = 1 << 30
)

// Port statistic registers. 48-bit counters span two registers.
const (
	GLPRTGORCL   uint32 = 0x00300000 // good octets received
	GLPRTUPRCL   uint32 = 0x003005a0 // unicast packets received
	GLPRTMPRCL   uint32 = 0x003005c0 // multicast packets received
	GLPRTBPRCL   uint32 = 0x003005e0 // broadcast packets received
	GLPRTGOTCL   uint32 = 0x00300680 // good octets transmitted
	GLPRTUPTCL   uint32 = 0x003009c0 // unicast packets transmitted
	GLPRTMPTCL   uint32 = 0x003009e0 // multicast packets transmitted
	GLPRTBPTCL   uint32 = 0x00300a00 // broadcast packets transmitted
	GLPRTCRCERRS uint32 = 0x00300080 // crc errors
	GLPRTRDPC    uint32 = 0x00300600 // receive discards
	GLPRTTDOLD   uint32 = 0x00300a20 // transmit discards, link down
	GLPRTRLEC    uint32 = 0x003000a0 // receive length errors
)

// HMC sizing registers. Object sizes are reported as log2 of the byte size.
const (
	GLHMCLANTxObjSz uint32 = 0x000c2004
	GLHMCLANQMax    uint32 = 0x000c2008
	GLHMCLANRxObjSz uint32 = 0x000c200c
)
