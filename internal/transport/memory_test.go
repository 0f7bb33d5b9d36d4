package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/meshbridge/mesh-gateway/pkg/meshpkt"
)

func TestMemoryTransport(t *testing.T) {
	m := NewMemory(4, 1)
	assert.Equal(t, []uint8{1, 4}, m.ConnectedAddresses())

	m.Inject(9, meshpkt.Ping, nil)
	assert.Equal(t, []uint8{1, 4, 9}, m.ConnectedAddresses())
	assert.Len(t, m.Poll(), 1)
	assert.Empty(t, m.Poll())

	assert.True(t, m.Send(4, meshpkt.DataRequest, nil))
	assert.False(t, m.Send(200, meshpkt.DataRequest, nil))
	m.FailSends(4, true)
	assert.False(t, m.Send(4, meshpkt.Ping, nil))
	assert.Len(t, m.Sent(), 3)

	m.RemoveAddress(4)
	assert.Equal(t, []uint8{4}, m.Removed())
	assert.Equal(t, []uint8{1, 9}, m.ConnectedAddresses())

	assert.NoError(t, m.SetNodeID(0))
	id, ok := m.NodeID()
	assert.True(t, ok)
	assert.Equal(t, uint8(0), id)
}
