package sim

import (
	"encoding/binary"

	"github.com/behrlich/go-rnvme/hw"
)

// capValue advertises the full tag space, a one second ready timeout,
// the compact doorbell stride, and 4 KiB minimum pages.
const capValue = uint64(hw.IOQueueDepth-1) | uint64(2)<<24

// statusPending marks commands that park without a completion.
const statusPending = ^uint16(0)

func (d *Device) barRead32(off uint64) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.gone {
		return ^uint32(0)
	}
	switch off {
	case hw.RegCC:
		return d.cc
	case hw.RegCSTS:
		return d.cstsLocked()
	case hw.RegBootStatus:
		if d.fw.running && !d.badBoot {
			return hw.BootStatusOK
		}
		return 0
	}
	return d.bar.Read32(off)
}

func (d *Device) barRead64(off uint64) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.gone {
		return ^uint64(0)
	}
	if off == hw.RegCAP {
		return capValue
	}
	return d.bar.Read64(off)
}

func (d *Device) barWrite32(off uint64, v uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.gone {
		return
	}
	switch off {
	case hw.RegCC:
		d.writeCC(v)
	case hw.RegLinearASQDoorbell:
		d.ring(0, uint16(v))
	case hw.RegLinearIOSQDoorbell:
		d.ring(1, uint16(v))
	case hw.RegTCBInvalidate:
		d.tcbInvalidate(uint16(v))
	default:
		d.bar.Write32(off, v)
	}
}

func (d *Device) barWrite64(off uint64, v uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.gone {
		return
	}
	d.bar.Write64(off, v)
}

func (d *Device) cstsLocked() uint32 {
	var v uint32
	if d.ready {
		v |= hw.CSTSReady
	}
	if d.fatal {
		v |= hw.CSTSFatal
	}
	return v | d.shst
}

func (d *Device) writeCC(v uint32) {
	old := d.cc
	d.cc = v
	switch {
	case v&hw.CCEnable != 0 && old&hw.CCEnable == 0:
		d.enableLocked()
	case v&hw.CCEnable == 0 && old&hw.CCEnable != 0:
		d.resetLocked()
	}
	if v&hw.CCShutdownMask == hw.CCShutdownNormal && old&hw.CCShutdownMask != hw.CCShutdownNormal {
		d.shutdownLocked()
	}
}

// enableLocked latches the admin queue configuration. The ring bases,
// depth, and TCB table must all be in place before the enable bit.
func (d *Device) enableLocked() {
	depth := d.bar.Read32(hw.RegAQA)&0xffff + 1
	d.adminSQ = sqState{
		base:  d.bar.Read64(hw.RegASQ),
		tcb:   d.bar.Read64(hw.RegTCBBaseASQ),
		depth: depth,
		live:  true,
	}
	d.adminCQ = cqState{base: d.bar.Read64(hw.RegACQ), depth: depth, phase: 1, live: true}
	d.ready = true
	d.shst = 0
}

// resetLocked tears the controller down on the enable bit clearing.
// The parked async event completes first so the cancellation lands in
// the admin completion ring while it still exists.
func (d *Device) resetLocked() {
	d.completeParkedAENLocked()
	d.ready = false
	d.fatal = false
	d.adminSQ = sqState{}
	d.adminCQ = cqState{}
	d.ioSQ = sqState{}
	d.ioCQ = cqState{}
	d.parked = make(map[uint16]parkedCmd)
}

func (d *Device) shutdownLocked() {
	d.completeParkedAENLocked()
	d.ioSQ = sqState{}
	d.ioCQ = cqState{}
	d.parked = make(map[uint16]parkedCmd)
	d.shst = hw.CSTSShutdownComplete
}

func (d *Device) completeParkedAENLocked() {
	if d.aenTag < 0 {
		return
	}
	tag := uint16(d.aenTag)
	d.aenTag = -1
	d.postLocked(0, tag, hw.StatusAbortedSQDeleted, 0)
}

// ring executes the command a linear doorbell names. The doorbell value
// is the tag; the slot and TCB entry are both addressed by it.
func (d *Device) ring(qid uint16, tag uint16) {
	if !d.ready {
		d.log.Warnf("doorbell on queue %d before enable", qid)
		return
	}
	if d.bar.Read32(hw.RegLinearSQCtrl)&hw.LinearSQEnable == 0 {
		d.log.Warn("linear doorbell with linear mode disabled")
		return
	}
	sq := &d.adminSQ
	if qid == 1 {
		sq = &d.ioSQ
	}
	if !sq.live {
		d.log.Warnf("doorbell on dead queue %d", qid)
		return
	}
	if uint32(tag) >= sq.depth {
		d.log.Warnf("doorbell tag %d beyond queue %d depth %d", tag, qid, sq.depth)
		return
	}

	d.commands++
	slot := d.alloc.Resolve(sq.base+uint64(tag)<<hw.AdminSlotShift, 64)
	if slot == nil {
		d.postLocked(qid, tag, hw.StatusInternal, 0)
		return
	}
	var cmd hw.Command
	if err := hw.ParseCommand(slot, &cmd); err != nil {
		d.postLocked(qid, tag, hw.StatusInternal, 0)
		return
	}
	if cmd.CommandID != tag || !d.checkTCB(sq, tag, &cmd) {
		d.tcbFaults++
		d.log.Warnf("tcb mismatch for tag %d on queue %d", tag, qid)
		d.postLocked(qid, tag, hw.StatusInternal, 0)
		return
	}

	var status uint16
	var result uint32
	if qid == 0 {
		status, result = d.adminCommand(&cmd)
	} else {
		status = d.ioCommand(&cmd)
	}
	if status == statusPending {
		return
	}
	if d.dropNext {
		d.dropNext = false
		d.parked[tag] = parkedCmd{cmd: cmd, qid: qid}
		return
	}
	d.postLocked(qid, tag, status, result)
}

// checkTCB verifies the translation control block mirrors the command.
// The real coprocessor refuses DMA that the table does not describe;
// the model refuses the whole command.
func (d *Device) checkTCB(sq *sqState, tag uint16, cmd *hw.Command) bool {
	b := d.alloc.Resolve(sq.tcb+uint64(tag)*hw.TCBSize, hw.TCBSize)
	if b == nil {
		return false
	}
	var t hw.TCB
	if err := hw.ParseTCB(b, &t); err != nil {
		return false
	}
	if t.Opcode != cmd.Opcode || t.CommandID != uint8(cmd.CommandID) {
		return false
	}
	if t.PRP1 != cmd.PRP1 || t.PRP2 != cmd.PRP2 {
		return false
	}
	want := uint8(hw.TCBDMAFromDevice)
	if cmd.IsWrite() {
		want = hw.TCBDMAToDevice
	}
	if t.DMAFlags != want {
		return false
	}
	if cmd.Opcode == hw.IORead || cmd.Opcode == hw.IOWrite {
		if t.Length != cmd.Blocks()*hw.BlockSize {
			return false
		}
	}
	return true
}

func (d *Device) adminCommand(cmd *hw.Command) (uint16, uint32) {
	switch cmd.Opcode {
	case hw.AdminIdentify:
		return d.adminIdentify(cmd), 0
	case hw.AdminCreateCQ:
		return d.adminCreateCQ(cmd), 0
	case hw.AdminCreateSQ:
		return d.adminCreateSQ(cmd), 0
	case hw.AdminDeleteSQ:
		return d.adminDeleteSQ(cmd), 0
	case hw.AdminDeleteCQ:
		return d.adminDeleteCQ(cmd), 0
	case hw.AdminAbort:
		return d.adminAbort(cmd)
	case hw.AdminAsyncEvent:
		d.aenTag = int(cmd.CommandID)
		return statusPending, 0
	case hw.AdminGetLogPage:
		return d.adminGetLogPage(cmd), 0
	}
	return hw.StatusInvalidOpcode, 0
}

func (d *Device) adminIdentify(cmd *hw.Command) uint16 {
	buf := d.alloc.Resolve(cmd.PRP1, hw.PageSize)
	if buf == nil {
		return hw.StatusDataTransferErr
	}
	for i := range buf {
		buf[i] = 0
	}
	switch cmd.IdentifyCNS() {
	case hw.CNSController:
		id := hw.IdentifyController{
			VendorID:         d.prof.VendorID,
			SerialNumber:     d.prof.Serial,
			ModelNumber:      d.prof.Model,
			FirmwareRev:      d.prof.Firmware,
			MaxTransferShift: d.prof.MaxTransferShift,
		}
		if err := hw.PutIdentifyController(buf, &id); err != nil {
			return hw.StatusInternal
		}
	case hw.CNSNamespace:
		if cmd.NSID != 1 {
			return hw.StatusInvalidField
		}
		blocks := uint64(d.prof.DiskBytes) / hw.BlockSize
		ns := hw.IdentifyNamespace{SizeBlocks: blocks, CapacityBlocks: blocks, LBAShift: 12}
		if err := hw.PutIdentifyNamespace(buf, &ns); err != nil {
			return hw.StatusInternal
		}
	default:
		return hw.StatusInvalidField
	}
	return hw.StatusSuccess
}

func (d *Device) adminCreateCQ(cmd *hw.Command) uint16 {
	qid, depth, _ := cmd.CreateQueueParams()
	if qid != 1 || d.ioCQ.live {
		return hw.StatusQIDInvalid
	}
	if depth == 0 || depth > hw.IOQueueDepth {
		return hw.StatusQueueSizeBad
	}
	if cmd.Cdw11&hw.QueuePhysContig == 0 {
		return hw.StatusInvalidField
	}
	d.ioCQ = cqState{base: cmd.PRP1, depth: depth, phase: 1, live: true}
	return hw.StatusSuccess
}

func (d *Device) adminCreateSQ(cmd *hw.Command) uint16 {
	qid, depth, cqid := cmd.CreateQueueParams()
	if qid != 1 || d.ioSQ.live {
		return hw.StatusQIDInvalid
	}
	if cqid != 1 || !d.ioCQ.live {
		return hw.StatusCQInvalid
	}
	if depth == 0 || depth > hw.IOQueueDepth {
		return hw.StatusQueueSizeBad
	}
	d.ioSQ = sqState{
		base:  cmd.PRP1,
		tcb:   d.bar.Read64(hw.RegTCBBaseIOSQ),
		depth: depth,
		live:  true,
	}
	return hw.StatusSuccess
}

// adminDeleteSQ drops the submission queue. Commands whose completions
// were withheld complete now with an aborted status, which is what the
// hardware does to anything in flight on the dying queue.
func (d *Device) adminDeleteSQ(cmd *hw.Command) uint16 {
	if uint16(cmd.Cdw10) != 1 || !d.ioSQ.live {
		return hw.StatusQIDInvalid
	}
	for tag, pc := range d.parked {
		if pc.qid != 1 {
			continue
		}
		delete(d.parked, tag)
		d.postLocked(1, tag, hw.StatusAbortedSQDeleted, 0)
	}
	d.ioSQ = sqState{}
	return hw.StatusSuccess
}

func (d *Device) adminDeleteCQ(cmd *hw.Command) uint16 {
	if uint16(cmd.Cdw10) != 1 || !d.ioCQ.live {
		return hw.StatusQIDInvalid
	}
	if d.ioSQ.live {
		d.log.Warn("completion queue deleted under a live submission queue")
	}
	d.ioCQ = cqState{}
	return hw.StatusSuccess
}

// adminAbort answers the abort command. Result bit 0 set means the
// target was not found in flight.
func (d *Device) adminAbort(cmd *hw.Command) (uint16, uint32) {
	sqid, target := cmd.AbortTarget()
	if d.abortsNoop {
		return hw.StatusSuccess, 1
	}
	pc, ok := d.parked[target]
	if !ok || pc.qid != sqid {
		return hw.StatusSuccess, 1
	}
	delete(d.parked, target)
	d.postLocked(pc.qid, target, hw.StatusAbortRequested, 0)
	return hw.StatusSuccess, 0
}

func (d *Device) adminGetLogPage(cmd *hw.Command) uint16 {
	buf := d.alloc.Resolve(cmd.PRP1, hw.PageSize)
	if buf == nil {
		return hw.StatusDataTransferErr
	}
	for i := range buf {
		buf[i] = 0
	}
	return hw.StatusSuccess
}

func (d *Device) ioCommand(cmd *hw.Command) uint16 {
	if cmd.Opcode == hw.IOFlush {
		return hw.StatusSuccess
	}
	if cmd.Opcode != hw.IORead && cmd.Opcode != hw.IOWrite {
		return hw.StatusInvalidOpcode
	}
	if cmd.NSID != 1 {
		return hw.StatusInvalidField
	}
	lba := cmd.LBA()
	blocks := uint64(cmd.Blocks())
	if (lba+blocks)*hw.BlockSize > uint64(len(d.disk)) {
		return hw.StatusLBAOutOfRange
	}
	length := int(blocks) * hw.BlockSize
	segs, ok := d.dmaSpan(cmd.PRP1, cmd.PRP2, length)
	if !ok {
		return hw.StatusDataTransferErr
	}
	off := lba * hw.BlockSize
	for _, s := range segs {
		if cmd.IsWrite() {
			copy(d.disk[off:], s)
		} else {
			copy(s, d.disk[off:off+uint64(len(s))])
		}
		off += uint64(len(s))
	}
	return hw.StatusSuccess
}

// dmaSpan walks the two-pointer addressing into host memory spans. The
// first pointer may start mid-page; past two pages the second pointer
// names a list whose final in-page entry chains to the next list when
// more than a page of data remains.
func (d *Device) dmaSpan(prp1, prp2 uint64, length int) ([][]byte, bool) {
	first := hw.PageSize - int(prp1%hw.PageSize)
	if first > length {
		first = length
	}
	b := d.alloc.Resolve(prp1, first)
	if b == nil {
		return nil, false
	}
	segs := [][]byte{b}
	remaining := length - first
	if remaining == 0 {
		return segs, true
	}
	if remaining <= hw.PageSize {
		b := d.alloc.Resolve(prp2, remaining)
		if b == nil {
			return nil, false
		}
		return append(segs, b), true
	}

	list := prp2
	for remaining > 0 {
		slots := int(hw.PageSize-list%hw.PageSize) / 8
		advanced := false
		for i := 0; i < slots && remaining > 0; i++ {
			eb := d.alloc.Resolve(list+uint64(i)*8, 8)
			if eb == nil {
				return nil, false
			}
			e := binary.LittleEndian.Uint64(eb)
			if i == slots-1 && remaining > hw.PageSize {
				list = e
				advanced = true
				break
			}
			n := hw.PageSize
			if n > remaining {
				n = remaining
			}
			b := d.alloc.Resolve(e, n)
			if b == nil {
				return nil, false
			}
			segs = append(segs, b)
			remaining -= n
		}
		if remaining > 0 && !advanced {
			return nil, false
		}
	}
	return segs, true
}

func (d *Device) postLocked(qid, tag uint16, status uint16, result uint32) {
	cq := &d.adminCQ
	if qid == 1 {
		cq = &d.ioCQ
	}
	if !cq.live {
		d.log.Warnf("completion for tag %d with queue %d gone", tag, qid)
		return
	}
	dst := d.alloc.Resolve(cq.base+uint64(cq.tail)*16, 16)
	if dst == nil {
		d.log.Warnf("completion ring for queue %d unresolvable", qid)
		return
	}
	c := hw.Completion{
		Result:    result,
		SQID:      qid,
		CommandID: tag,
		Status:    status<<1 | cq.phase,
	}
	if err := hw.PutCompletion(dst, &c); err != nil {
		return
	}
	cq.tail++
	if cq.tail == cq.depth {
		cq.tail = 0
		cq.phase ^= 1
	}
	d.tickIRQ()
}

// tcbInvalidate acknowledges a TCB drop request. The slot must already
// be zeroed; a populated slot is the hygiene violation the status
// register exists to catch.
func (d *Device) tcbInvalidate(tag uint16) {
	var status uint32
	table, depth := d.adminSQ.tcb, d.adminSQ.depth
	if tag >= hw.IOTagBase {
		table, depth = d.ioSQ.tcb, d.ioSQ.depth
	}
	if table != 0 && uint32(tag) < depth {
		b := d.alloc.Resolve(table+uint64(tag)*hw.TCBSize, hw.TCBSize)
		var t hw.TCB
		if b == nil || hw.ParseTCB(b, &t) != nil || !t.IsZero() {
			status = 1
			d.tcbFaults++
		}
	}
	d.bar.Write32(hw.RegTCBInvalidateStatus, status)
}
