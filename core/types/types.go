package types

import "opencritique/crypto"

// Work is a submitted piece of content that may accrue critiques and,
// optionally, a bounty.
type Work struct {
	ID          uint64
	Title       string
	Description string
	MediaURL    string
	Author      crypto.Address
	CreatedAt   int64
}

// Clone returns a deep copy of the work.
func (w *Work) Clone() *Work {
	if w == nil {
		return nil
	}
	clone := *w
	return &clone
}

// Critique is a reviewer's textual feedback on a work. IDs are a per-work
// sequence starting at zero.
type Critique struct {
	ID        uint64
	WorkID    uint64
	Critic    crypto.Address
	Text      string
	Upvotes   uint64
	CreatedAt int64
}

// Clone returns a deep copy of the critique.
func (c *Critique) Clone() *Critique {
	if c == nil {
		return nil
	}
	clone := *c
	return &clone
}
