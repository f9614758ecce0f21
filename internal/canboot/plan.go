package canboot

// WriteChunk is what NextWriteChunk hands back to the session's write
// step: up to 4 consecutive image bytes starting at Address. Jumped is
// set when the cursor moved past the end of a block to reach this chunk
// (never for the first block). The session does not rely on it: it
// decides on FLASH_SET_ADDRESS by comparing Address with the address
// the target last reported.
type WriteChunk struct {
	Address uint32
	Bytes   []byte
	Jumped  bool
}

// TransferPlan walks an Image's contiguous blocks in ascending-key order
// and also drives the verify pass and the whole-flash read buffer. It
// owns no transport or protocol knowledge: it only answers "what's
// next" and "what did we expect here".
type TransferPlan struct {
	img *Image

	writeBlockIdx int
	writeOffset   int

	verifyBlockIdx int

	readBuf []byte
}

// NewTransferPlan wraps an Image for iteration. img may be nil or empty
// for a read-mode session, where no write or verify pass happens.
func NewTransferPlan(img *Image) *TransferPlan {
	return &TransferPlan{img: img}
}

// BeginWrite resets iteration to the first block and offset 0.
func (p *TransferPlan) BeginWrite() {
	p.writeBlockIdx = 0
	p.writeOffset = 0
}

// TotalWriteBytes reports the total bytes the image holds, for progress
// reporting.
func (p *TransferPlan) TotalWriteBytes() int {
	return p.img.TotalBytes()
}

// NextWriteChunk returns up to 4 consecutive image bytes starting at the
// current write cursor, advancing across block boundaries. done is true
// once every block has been consumed. A chunk never crosses a block
// boundary.
func (p *TransferPlan) NextWriteChunk() (chunk WriteChunk, done bool) {
	blocks := p.img.Blocks()
	jumped := false
	for p.writeBlockIdx < len(blocks) && p.writeOffset >= len(blocks[p.writeBlockIdx].Data) {
		p.writeBlockIdx++
		p.writeOffset = 0
		jumped = true
	}
	if p.writeBlockIdx >= len(blocks) {
		return WriteChunk{}, true
	}
	blk := blocks[p.writeBlockIdx]
	addr := blk.Start + uint32(p.writeOffset)
	n := len(blk.Data) - p.writeOffset
	if n > 4 {
		n = 4
	}
	data := make([]byte, n)
	copy(data, blk.Data[p.writeOffset:p.writeOffset+n])
	return WriteChunk{Address: addr, Bytes: data, Jumped: jumped}, false
}

// AdvanceWrite is called after the target confirms n bytes written, to
// move the write cursor forward within the current block.
func (p *TransferPlan) AdvanceWrite(n int) {
	p.writeOffset += n
}

// BeginVerify resets iteration for a second pass over the image.
func (p *TransferPlan) BeginVerify() {
	p.verifyBlockIdx = 0
}

// CurrentVerifyBlock returns the block the verify pass is currently
// positioned at, or false once every block has been verified.
func (p *TransferPlan) CurrentVerifyBlock() (Block, bool) {
	blocks := p.img.Blocks()
	if p.verifyBlockIdx >= len(blocks) {
		return Block{}, false
	}
	return blocks[p.verifyBlockIdx], true
}

// AdvanceVerifyBlock moves to the next block and returns it, or false if
// the image is exhausted.
func (p *TransferPlan) AdvanceVerifyBlock() (Block, bool) {
	p.verifyBlockIdx++
	return p.CurrentVerifyBlock()
}

// ExpectVerifyByte looks up a single address during verify. ok is false
// when the address is not present in the image, meaning the host never
// compares it: addresses absent from the image are never verified.
func (p *TransferPlan) ExpectVerifyByte(addr uint32) (b byte, ok bool) {
	return p.img.ByteAt(addr)
}

// AppendReadByte appends to the flat read buffer accumulated during a
// whole-flash read.
func (p *TransferPlan) AppendReadByte(b byte) {
	p.readBuf = append(p.readBuf, b)
}

// ReadBuffer returns the bytes accumulated so far during a read.
func (p *TransferPlan) ReadBuffer() []byte {
	return p.readBuf
}

// FinalizeRead packages the accumulated read buffer into a single
// block starting at address 0x0000, as a fresh Image ready to be
// serialized to Intel HEX.
func (p *TransferPlan) FinalizeRead() *Image {
	return NewImageFromBlocks([]Block{{Start: 0, Data: append([]byte(nil), p.readBuf...)}})
}
