// ABOUTME: Tests for the configuration document model and client list helpers.
// ABOUTME: Covers managed-inbound lookup, removal, and duplicate-email eviction.

package xray

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func vlessDoc(clients ...Client) *Document {
	return &Document{
		Inbounds: []*Inbound{
			{Tag: "api", Protocol: "dokodemo-door", Port: 10085},
			{
				Tag:      "vless",
				Protocol: ProtocolVLESS,
				Port:     433,
				Settings: &InboundSettings{Clients: clients},
			},
		},
	}
}

func TestManagedInbound(t *testing.T) {
	doc := vlessDoc()
	inb, err := doc.ManagedInbound()
	assert.NoError(t, err)
	assert.Equal(t, "vless", inb.Tag)

	empty := &Document{Inbounds: []*Inbound{{Protocol: "dokodemo-door"}}}
	_, err = empty.ManagedInbound()
	assert.ErrorIs(t, err, ErrNoManagedInbound)
}

func TestRemoveClient(t *testing.T) {
	doc := vlessDoc(
		Client{ID: "a", Email: "u1"},
		Client{ID: "b", Email: "u2"},
	)
	inb, _ := doc.ManagedInbound()

	assert.True(t, inb.RemoveClient("a"))
	assert.Equal(t, []string{"b"}, doc.UserIDs())

	assert.False(t, inb.RemoveClient("a"))
	assert.Equal(t, []string{"b"}, doc.UserIDs())
}

func TestRemoveClientsByEmail(t *testing.T) {
	doc := vlessDoc(
		Client{ID: "a", Email: "shared"},
		Client{ID: "b", Email: "other"},
		Client{ID: "c", Email: "shared"},
	)
	inb, _ := doc.ManagedInbound()

	// Entries with the same email under a different ID are stale; the
	// entry matching keepID stays.
	dropped := inb.RemoveClientsByEmail("shared", "c")
	assert.Equal(t, 1, dropped)
	assert.Equal(t, []string{"b", "c"}, doc.UserIDs())
}

func TestClientLookup(t *testing.T) {
	doc := vlessDoc(Client{ID: "a", Email: "u1", Flow: "xtls-rprx-vision"})
	inb, _ := doc.ManagedInbound()

	c := inb.Client("a")
	assert.NotNil(t, c)
	assert.Equal(t, "u1", c.Email)

	assert.Nil(t, inb.Client("missing"))
}
