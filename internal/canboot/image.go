package canboot

import "sort"

// Block is a maximal contiguous run of program bytes starting at Start.
// Bytes within a block are indexed by their offset from Start.
type Block struct {
	Start uint32
	Data  []byte
}

// Image is the sparse address -> byte mapping produced externally from
// an Intel HEX file. The core never parses HEX itself; it only walks
// Image as an ordered sequence of contiguous Blocks.
type Image struct {
	blocks []Block
}

// NewImage builds an Image from a sparse address->byte map, coalescing
// runs of consecutive addresses into Blocks ordered by ascending start
// address.
func NewImage(sparse map[uint32]byte) *Image {
	if len(sparse) == 0 {
		return &Image{}
	}
	addrs := make([]uint32, 0, len(sparse))
	for a := range sparse {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })

	var blocks []Block
	var cur *Block
	for _, a := range addrs {
		if cur != nil && a == cur.Start+uint32(len(cur.Data)) {
			cur.Data = append(cur.Data, sparse[a])
			continue
		}
		blocks = append(blocks, Block{Start: a, Data: []byte{sparse[a]}})
		cur = &blocks[len(blocks)-1]
	}
	return &Image{blocks: blocks}
}

// NewImageFromBlocks builds an Image directly from pre-computed blocks,
// which must not overlap; they are sorted by start address. Used by
// TransferPlan.FinalizeRead for the read-back image.
func NewImageFromBlocks(blocks []Block) *Image {
	sorted := make([]Block, len(blocks))
	copy(sorted, blocks)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })
	return &Image{blocks: sorted}
}

// Blocks returns the image's contiguous blocks in ascending start-address
// order.
func (img *Image) Blocks() []Block {
	if img == nil {
		return nil
	}
	return img.blocks
}

// ByteAt looks up a single address. ok is false when the address is not
// present in any block.
func (img *Image) ByteAt(addr uint32) (b byte, ok bool) {
	if img == nil {
		return 0, false
	}
	for _, blk := range img.blocks {
		end := blk.Start + uint32(len(blk.Data))
		if addr >= blk.Start && addr < end {
			return blk.Data[addr-blk.Start], true
		}
	}
	return 0, false
}

// TotalBytes sums the length of every block, used for progress
// reporting.
func (img *Image) TotalBytes() int {
	n := 0
	for _, blk := range img.Blocks() {
		n += len(blk.Data)
	}
	return n
}
