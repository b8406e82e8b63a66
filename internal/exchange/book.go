package exchange

import (
	"github.com/google/btree"
	"github.com/shopspring/decimal"

	"github.com/dsw/trade-engine/internal/model"
)

// entry is one resting order in a book side. The (price, seq) pair is the
// sort key; seq is the engine-wide arrival sequence, which gives FIFO
// ordering within a price level.
type entry struct {
	price decimal.Decimal
	seq   uint64
	order *model.Order
}

type askEntry entry

type bidEntry entry

// Less orders asks ascending by price, oldest first within a level.
func (a askEntry) Less(item btree.Item) bool {
	b := item.(askEntry)
	if c := a.price.Cmp(b.price); c != 0 {
		return c < 0
	}
	return a.seq < b.seq
}

// Less orders bids descending by price, oldest first within a level.
func (a bidEntry) Less(item btree.Item) bool {
	b := item.(bidEntry)
	if c := a.price.Cmp(b.price); c != 0 {
		return c > 0
	}
	return a.seq < b.seq
}

// book holds the resting liquidity of one pair. Both sides are kept
// best-first: asks ascending by price, bids descending.
type book struct {
	asks *btree.BTree
	bids *btree.BTree
}

func newBook() *book {
	return &book{asks: btree.New(2), bids: btree.New(2)}
}

func (bk *book) insert(e entry) {
	if e.order.Side == model.SideSell {
		bk.asks.ReplaceOrInsert(askEntry(e))
	} else {
		bk.bids.ReplaceOrInsert(bidEntry(e))
	}
}

func (bk *book) remove(e entry) {
	if e.order.Side == model.SideSell {
		bk.asks.Delete(askEntry(e))
	} else {
		bk.bids.Delete(bidEntry(e))
	}
}

// walk visits one side best-first until fn returns false.
func (bk *book) walk(side model.Side, fn func(entry) bool) {
	if side == model.SideSell {
		bk.asks.Ascend(func(i btree.Item) bool { return fn(entry(i.(askEntry))) })
	} else {
		bk.bids.Ascend(func(i btree.Item) bool { return fn(entry(i.(bidEntry))) })
	}
}
