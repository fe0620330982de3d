package ewoc

import "fmt"

// Block sizes understood by the classifier (EWOC_BLOCKSIZE).
const (
	BlockSize512  = 512
	BlockSize1024 = 1024
)

// lastBlockID maps a block size to the highest block id of a tile.
var lastBlockID = map[int]int{
	BlockSize512:  483,
	BlockSize1024: 120,
}

// AllBlocks returns every block id of a tile for the given block size,
// from 0 to the last id inclusive.
func AllBlocks(blockSize int) ([]int, error) {
	last, ok := lastBlockID[blockSize]
	if !ok {
		return nil, fmt.Errorf("unsupported block size %d (valid: %d, %d)", blockSize, BlockSize512, BlockSize1024)
	}
	ids := make([]int, last+1)
	for i := range ids {
		ids[i] = i
	}
	return ids, nil
}
