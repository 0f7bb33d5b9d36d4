package dispatch

import (
	"time"

	"github.com/meshbridge/mesh-gateway/internal/models"
)

// LowestFreeNodeID returns the smallest ID in [1,253] not present in taken
func LowestFreeNodeID(taken []uint8) (uint8, error) {
	var used [256]bool
	for _, id := range taken {
		used[id] = true
	}
	for id := int(models.MinNodeID); id <= int(models.MaxNodeID); id++ {
		if !used[id] {
			return uint8(id), nil
		}
	}
	return 0, ErrAddressSpaceExhausted
}

// allocateNodeID picks an ID against the currently connected set and the
// IDs handed out within the hold window
func (d *Dispatcher) allocateNodeID(now time.Time) (uint8, error) {
	connected := d.Transport.ConnectedAddresses()
	taken := make([]uint8, 0, len(connected)+len(d.assigned))
	taken = append(taken, connected...)

	isConnected := make(map[uint8]bool, len(connected))
	for _, id := range connected {
		isConnected[id] = true
	}
	for id, at := range d.assigned {
		if isConnected[id] || now.Sub(at) > d.AssignHold {
			delete(d.assigned, id)
			continue
		}
		taken = append(taken, id)
	}

	return LowestFreeNodeID(taken)
}
