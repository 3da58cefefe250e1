package executor

// pagedKV is one transformer layer's paged KV-cache storage: a sparse
// map from block id (as handed out by internal/block.Manager) to a
// fixed-size page holding B token slots of numKVHeads*headDim floats
// each. Mirrors the scheduler's block table contract without
// reimplementing block accounting — the executor only ever writes the
// slot the scheduler's Entry.StartPos+i addresses and reads the block
// ids the scheduler hands it.
type pagedKV struct {
	blockSize int
	kvDim     int // numKVHeads * headDim
	pages     map[int]*kvPage
}

type kvPage struct {
	k [][]float64 // [blockSize][kvDim]
	v [][]float64
}

func newPagedKV(blockSize, kvDim int) *pagedKV {
	return &pagedKV{blockSize: blockSize, kvDim: kvDim, pages: make(map[int]*kvPage)}
}

func (p *pagedKV) pageFor(blockID int) *kvPage {
	pg, ok := p.pages[blockID]
	if !ok {
		pg = &kvPage{
			k: make([][]float64, p.blockSize),
			v: make([][]float64, p.blockSize),
		}
		for i := range pg.k {
			pg.k[i] = make([]float64, p.kvDim)
			pg.v[i] = make([]float64, p.kvDim)
		}
		p.pages[blockID] = pg
	}
	return pg
}

// writeSlot stores the key/value vector for absolute sequence position
// pos, given the sequence's block table.
func (p *pagedKV) writeSlot(blockIDs []int, pos int, k, v []float64) {
	blockIdx := pos / p.blockSize
	slot := pos % p.blockSize
	pg := p.pageFor(blockIDs[blockIdx])
	copy(pg.k[slot], k)
	copy(pg.v[slot], v)
}

// readSeq gathers every key/value vector for absolute positions
// [0, seqLen) across the sequence's block table, in order.
func (p *pagedKV) readSeq(blockIDs []int, seqLen int) (k, v [][]float64) {
	k = make([][]float64, seqLen)
	v = make([][]float64, seqLen)
	for pos := 0; pos < seqLen; pos++ {
		blockIdx := pos / p.blockSize
		slot := pos % p.blockSize
		pg := p.pageFor(blockIDs[blockIdx])
		k[pos] = pg.k[slot]
		v[pos] = pg.v[slot]
	}
	return k, v
}

// free drops every page owned by the given block ids, returning their
// storage for GC. Called through TransformerExecutor.FreeSequence when
// the scheduler reclaims a finished sequence's blocks, so the paged
// cache doesn't grow unboundedly.
func (p *pagedKV) free(blockIDs []int) {
	for _, id := range blockIDs {
		delete(p.pages, id)
	}
}
