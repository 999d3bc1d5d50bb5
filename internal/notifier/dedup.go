package notifier

import (
	"container/list"

	"github.com/openclaw/kiosk-pairing-go/internal/model"
)

const defaultDedupCapacity = 1024

// deduper remembers recently seen events by id and by transition key. It
// is bounded so a long-lived watcher does not grow without limit.
type deduper struct {
	capacity int
	order    *list.List
	seen     map[string]*list.Element
}

func newDeduper(capacity int) *deduper {
	if capacity <= 0 {
		capacity = defaultDedupCapacity
	}
	return &deduper{capacity: capacity, order: list.New(), seen: make(map[string]*list.Element)}
}

// firstSight records ev and reports whether it has not been seen before.
func (d *deduper) firstSight(ev model.PairingEvent) bool {
	keys := []string{ev.DedupKey()}
	if ev.ID != "" {
		keys = append(keys, "id:"+ev.ID)
	}
	for _, k := range keys {
		if _, ok := d.seen[k]; ok {
			return false
		}
	}
	for _, k := range keys {
		d.seen[k] = d.order.PushBack(k)
	}
	for d.order.Len() > d.capacity {
		oldest := d.order.Front()
		d.order.Remove(oldest)
		delete(d.seen, oldest.Value.(string))
	}
	return true
}
