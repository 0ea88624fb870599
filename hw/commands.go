package hw

// Command builders. Field packing follows the device's admin and I/O
// command formats; tags are assigned by the caller's tag set.

// BuildCreateIOCQ builds the admin command that creates the I/O
// completion queue. Size is 0-based on the wire.
func BuildCreateIOCQ(tag, qid uint16, depth uint32, addr uint64, vector uint16) Command {
	return Command{
		Opcode:    AdminCreateCQ,
		CommandID: tag,
		PRP1:      addr,
		Cdw10:     uint32(qid) | (depth-1)<<16,
		Cdw11:     uint32(QueuePhysContig|CQIrqEnabled) | uint32(vector)<<16,
	}
}

// BuildCreateIOSQ builds the admin command that creates the I/O
// submission queue bound to an existing CQ.
func BuildCreateIOSQ(tag, qid, cqid uint16, depth uint32, addr uint64) Command {
	return Command{
		Opcode:    AdminCreateSQ,
		CommandID: tag,
		PRP1:      addr,
		Cdw10:     uint32(qid) | (depth-1)<<16,
		Cdw11:     uint32(QueuePhysContig) | uint32(cqid)<<16,
	}
}

// BuildDeleteQueue builds a delete SQ/CQ admin command.
func BuildDeleteQueue(opcode uint8, tag, qid uint16) Command {
	return Command{
		Opcode:    opcode,
		CommandID: tag,
		Cdw10:     uint32(qid),
	}
}

// BuildIdentify builds an identify admin command. The payload lands in a
// single page at addr.
func BuildIdentify(tag uint16, cns uint8, nsid uint32, addr uint64) Command {
	return Command{
		Opcode:    AdminIdentify,
		CommandID: tag,
		NSID:      nsid,
		PRP1:      addr,
		Cdw10:     uint32(cns),
	}
}

// BuildAbort builds an abort admin command targeting a tag on a
// submission queue.
func BuildAbort(tag, targetTag, sqid uint16) Command {
	return Command{
		Opcode:    AdminAbort,
		CommandID: tag,
		Cdw10:     uint32(sqid) | uint32(targetTag)<<16,
	}
}

// BuildAsyncEvent builds the async event request parked on the AEN tag.
func BuildAsyncEvent() Command {
	return Command{
		Opcode:    AdminAsyncEvent,
		CommandID: AENTag,
	}
}

// BuildGetLogPage builds a get-log-page admin command. Length in bytes,
// dword count 0-based on the wire.
func BuildGetLogPage(tag uint16, page uint8, addr uint64, length uint32) Command {
	numd := length/4 - 1
	return Command{
		Opcode:    AdminGetLogPage,
		CommandID: tag,
		PRP1:      addr,
		Cdw10:     uint32(page) | (numd&0xffff)<<16,
		Cdw11:     numd >> 16,
	}
}

// BuildRead builds an I/O read. Block count is 0-based on the wire.
func BuildRead(tag uint16, nsid uint32, lba uint64, blocks uint32, prp1, prp2 uint64) Command {
	return Command{
		Opcode:    IORead,
		CommandID: tag,
		NSID:      nsid,
		PRP1:      prp1,
		PRP2:      prp2,
		Cdw10:     uint32(lba),
		Cdw11:     uint32(lba >> 32),
		Cdw12:     blocks - 1,
	}
}

// BuildWrite builds an I/O write. Block count is 0-based on the wire.
func BuildWrite(tag uint16, nsid uint32, lba uint64, blocks uint32, prp1, prp2 uint64) Command {
	return Command{
		Opcode:    IOWrite,
		CommandID: tag,
		NSID:      nsid,
		PRP1:      prp1,
		PRP2:      prp2,
		Cdw10:     uint32(lba),
		Cdw11:     uint32(lba >> 32),
		Cdw12:     blocks - 1,
	}
}

// BuildFlush builds an I/O flush.
func BuildFlush(tag uint16, nsid uint32) Command {
	return Command{
		Opcode:    IOFlush,
		CommandID: tag,
		NSID:      nsid,
	}
}

// LBA extracts the starting block of a read/write command.
func (c *Command) LBA() uint64 {
	return uint64(c.Cdw10) | uint64(c.Cdw11)<<32
}

// Blocks extracts the 1-based block count of a read/write command.
func (c *Command) Blocks() uint32 {
	return c.Cdw12&0xffff + 1
}

// AbortTarget extracts the (sqid, tag) pair of an abort command.
func (c *Command) AbortTarget() (sqid, tag uint16) {
	return uint16(c.Cdw10), uint16(c.Cdw10 >> 16)
}

// IdentifyCNS extracts the CNS selector of an identify command.
func (c *Command) IdentifyCNS() uint8 {
	return uint8(c.Cdw10)
}

// LogPageID extracts the page id of a get-log-page command.
func (c *Command) LogPageID() uint8 {
	return uint8(c.Cdw10)
}

// CreateQueueParams extracts (qid, depth) from a create SQ/CQ command;
// the second cdw11 halfword is the CQ binding for SQs and the interrupt
// vector for CQs.
func (c *Command) CreateQueueParams() (qid uint16, depth uint32, bind uint16) {
	return uint16(c.Cdw10), (c.Cdw10 >> 16) + 1, uint16(c.Cdw11 >> 16)
}
