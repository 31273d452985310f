package qpack

import (
	"errors"
	"fmt"

	"github.com/FumingPower3925/qpackd/internal/table"
)

// insert adds e to slot as soon as its name is known. Every insertion names
// its slot, so entries from different blocks never wait on each other.
func (d *Decoder) insert(slot uint32, e table.Entry) {
	err := d.table.Insert(e, slot)
	switch {
	case err == nil:
		if verboseLogging {
			d.logger.Printf("qpack: inserted %s into slot %d", e.Name, slot)
		}
	case errors.Is(err, table.ErrClosed):
	default:
		d.logger.Printf("qpack: insert into slot %d failed: %v", slot, err)
		if !d.closed {
			d.conn.OnError(fmt.Errorf("qpack: insert slot %d: %w", slot, err))
		}
	}
}
