// Package orderbook keeps the in-memory resting orders for each trading pair
// in price-time priority.
package orderbook

import (
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"

	"github.com/Neocreb/eloity-trading/pkg/models"
)

// entry wraps a resting order with its arrival sequence. The sequence breaks
// price ties so equal-priced orders match oldest first.
type entry struct {
	order *models.Order
	seq   uint64
}

func bidLess(a, b *entry) bool {
	if !a.order.Price.Equal(b.order.Price) {
		return a.order.Price.GreaterThan(b.order.Price)
	}
	return a.seq < b.seq
}

func askLess(a, b *entry) bool {
	if !a.order.Price.Equal(b.order.Price) {
		return a.order.Price.LessThan(b.order.Price)
	}
	return a.seq < b.seq
}

// Level is one aggregated price level of a depth snapshot.
type Level struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Orders   int             `json:"orders"`
}

// Depth is a point-in-time aggregated view of one side-pair book.
type Depth struct {
	Pair string  `json:"pair"`
	Bids []Level `json:"bids"`
	Asks []Level `json:"asks"`
}

// Book holds the resting limit orders for one pair. Bids iterate highest
// price first, asks lowest first; within a price, oldest first. The book is
// safe for concurrent use, but the matching engine serializes mutations per
// pair above this layer.
type Book struct {
	pair string

	mu   sync.RWMutex
	bids *btree.BTreeG[*entry]
	asks *btree.BTreeG[*entry]
	byID map[uuid.UUID]*entry
	seq  uint64
}

// NewBook creates an empty book for the pair.
func NewBook(pair string) *Book {
	return &Book{
		pair: pair,
		bids: btree.NewBTreeG(bidLess),
		asks: btree.NewBTreeG(askLess),
		byID: make(map[uuid.UUID]*entry),
	}
}

// Pair returns the book's trading pair.
func (b *Book) Pair() string { return b.pair }

// Add rests an order on its side of the book. Market orders never rest.
func (b *Book) Add(o *models.Order) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	e := &entry{order: o, seq: b.seq}
	b.byID[o.ID] = e
	b.sideOf(o.Side).Set(e)
}

// Remove takes an order off the book by id. Returns false if it is not
// resting.
func (b *Book) Remove(id uuid.UUID) (*models.Order, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.byID[id]
	if !ok {
		return nil, false
	}
	delete(b.byID, id)
	b.sideOf(e.order.Side).Delete(e)
	return e.order, true
}

// BestBid returns the highest-priced resting buy order.
func (b *Book) BestBid() (*models.Order, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.bids.Min()
	if !ok {
		return nil, false
	}
	return e.order, true
}

// BestAsk returns the lowest-priced resting sell order.
func (b *Book) BestAsk() (*models.Order, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.asks.Min()
	if !ok {
		return nil, false
	}
	return e.order, true
}

// Contains reports whether the order currently rests on the book.
func (b *Book) Contains(id uuid.UUID) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.byID[id]
	return ok
}

// Size returns the number of resting bid and ask orders.
func (b *Book) Size() (bids, asks int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bids.Len(), b.asks.Len()
}

// Snapshot aggregates the top n price levels per side. n <= 0 means all
// levels.
func (b *Book) Snapshot(n int) Depth {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Depth{
		Pair: b.pair,
		Bids: aggregate(b.bids, n),
		Asks: aggregate(b.asks, n),
	}
}

func aggregate(tree *btree.BTreeG[*entry], n int) []Level {
	levels := make([]Level, 0, max(n, 0))
	tree.Scan(func(e *entry) bool {
		if len(levels) > 0 && levels[len(levels)-1].Price.Equal(e.order.Price) {
			last := &levels[len(levels)-1]
			last.Quantity = last.Quantity.Add(e.order.RemainingQuantity)
			last.Orders++
			return true
		}
		if n > 0 && len(levels) == n {
			return false
		}
		levels = append(levels, Level{
			Price:    e.order.Price,
			Quantity: e.order.RemainingQuantity,
			Orders:   1,
		})
		return true
	})
	return levels
}

func (b *Book) sideOf(side string) *btree.BTreeG[*entry] {
	if side == models.OrderSideBuy {
		return b.bids
	}
	return b.asks
}

// Set is the registry of per-pair books.
type Set struct {
	mu    sync.RWMutex
	books map[string]*Book
}

// NewSet creates an empty book registry.
func NewSet() *Set {
	return &Set{books: make(map[string]*Book)}
}

// Get returns the book for the pair, creating it on first use.
func (s *Set) Get(pair string) *Book {
	s.mu.RLock()
	b, ok := s.books[pair]
	s.mu.RUnlock()
	if ok {
		return b
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.books[pair]; ok {
		return b
	}
	b = NewBook(pair)
	s.books[pair] = b
	return b
}

// Lookup returns the book for the pair without creating one. Read paths use
// this so misspelled pairs do not spawn empty books.
func (s *Set) Lookup(pair string) (*Book, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.books[pair]
	return b, ok
}

// Pairs lists the pairs with a book, in no particular order.
func (s *Set) Pairs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pairs := make([]string, 0, len(s.books))
	for p := range s.books {
		pairs = append(pairs, p)
	}
	return pairs
}
