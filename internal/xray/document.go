// ABOUTME: Typed model of the Xray JSON configuration document.
// ABOUTME: Covers the VLESS+Reality inbound, the gRPC API inbound, outbounds, and routing.

package xray

import "errors"

// ErrNoManagedInbound indicates the configuration has no VLESS inbound.
// A valid configuration always carries exactly one; its absence is fatal
// to any user operation.
var ErrNoManagedInbound = errors.New("no VLESS inbound in configuration")

// ProtocolVLESS is the protocol of the single user-bearing inbound the
// agent manages.
const ProtocolVLESS = "vless"

// Document is the root of the Xray configuration file.
type Document struct {
	Log       *LogSettings   `json:"log,omitempty"`
	Stats     *StatsSettings `json:"stats,omitempty"`
	API       *APISettings   `json:"api,omitempty"`
	Inbounds  []*Inbound     `json:"inbounds"`
	Outbounds []*Outbound    `json:"outbounds,omitempty"`
	Routing   *Routing       `json:"routing,omitempty"`
}

// LogSettings configures Xray's own log output.
type LogSettings struct {
	LogLevel string `json:"loglevel,omitempty"`
}

// StatsSettings enables the stats service. The empty object is
// significant: its presence turns stats collection on.
type StatsSettings struct{}

// APISettings exposes Xray's gRPC API services on the api inbound.
type APISettings struct {
	Tag      string   `json:"tag"`
	Services []string `json:"services"`
}

// Inbound is a single listener definition.
type Inbound struct {
	Tag            string           `json:"tag,omitempty"`
	Listen         string           `json:"listen,omitempty"`
	Port           int              `json:"port"`
	Protocol       string           `json:"protocol"`
	Settings       *InboundSettings `json:"settings,omitempty"`
	StreamSettings *StreamSettings  `json:"streamSettings,omitempty"`
	Sniffing       *Sniffing        `json:"sniffing,omitempty"`
}

// InboundSettings holds per-protocol inbound settings. VLESS uses
// Clients/Decryption/Fallbacks; the dokodemo-door API inbound uses Address.
type InboundSettings struct {
	Clients    []Client   `json:"clients,omitempty"`
	Decryption string     `json:"decryption,omitempty"`
	Fallbacks  []Fallback `json:"fallbacks,omitempty"`
	Address    string     `json:"address,omitempty"`
}

// Client is one provisioned user of the VLESS inbound. Email doubles as
// the display label and must be unique: Xray rejects configs with
// duplicate emails.
type Client struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Flow  string `json:"flow,omitempty"`
}

// Fallback routes invalid requests to a masquerade destination.
type Fallback struct {
	Dest string `json:"dest"`
	Xver int    `json:"xver"`
}

// StreamSettings holds transport and security configuration for an inbound.
type StreamSettings struct {
	Network         string           `json:"network,omitempty"`
	Security        string           `json:"security,omitempty"`
	RealitySettings *RealitySettings `json:"realitySettings,omitempty"`
	TCPSettings     *TCPSettings     `json:"tcpSettings,omitempty"`
}

// RealitySettings configures the Reality obfuscation layer.
type RealitySettings struct {
	Show         bool     `json:"show"`
	Dest         string   `json:"dest"`
	Xver         int      `json:"xver"`
	ServerNames  []string `json:"serverNames"`
	PublicKey    string   `json:"publicKey"`
	PrivateKey   string   `json:"privateKey"`
	MinClientVer string   `json:"minClientVer"`
	MaxClientVer string   `json:"maxClientVer"`
	MaxTimeDiff  int      `json:"maxTimeDiff"`
	ShortIDs     []string `json:"shortIds"`
}

// TCPSettings holds TCP transport tuning for an inbound.
type TCPSettings struct {
	AcceptProxyProtocol  bool       `json:"acceptProxyProtocol"`
	Header               *TCPHeader `json:"header,omitempty"`
	KeepAlive            bool       `json:"keepAlive,omitempty"`
	TCPKeepAliveInterval int        `json:"tcpKeepAliveInterval,omitempty"`
	TCPKeepAliveIdle     int        `json:"tcpKeepAliveIdle,omitempty"`
	TCPKeepAliveCount    int        `json:"tcpKeepAliveCount,omitempty"`
}

// TCPHeader selects the TCP header obfuscation mode.
type TCPHeader struct {
	Type string `json:"type"`
}

// Sniffing configures destination sniffing on an inbound.
type Sniffing struct {
	Enabled      bool     `json:"enabled"`
	DestOverride []string `json:"destOverride,omitempty"`
}

// Outbound is a single outbound definition.
type Outbound struct {
	Protocol string           `json:"protocol"`
	Settings *InboundSettings `json:"settings,omitempty"`
	Tag      string           `json:"tag,omitempty"`
}

// Routing holds the routing rule list.
type Routing struct {
	Rules []RoutingRule `json:"rules"`
}

// RoutingRule directs traffic between inbound and outbound tags.
type RoutingRule struct {
	Type        string   `json:"type"`
	InboundTag  []string `json:"inboundTag,omitempty"`
	OutboundTag string   `json:"outboundTag"`
}

// ManagedInbound returns the single VLESS inbound the agent operates on,
// or ErrNoManagedInbound if the configuration has none.
func (d *Document) ManagedInbound() (*Inbound, error) {
	for _, inb := range d.Inbounds {
		if inb.Protocol == ProtocolVLESS {
			return inb, nil
		}
	}
	return nil, ErrNoManagedInbound
}

// UserIDs returns the identifiers of all clients on the managed inbound.
// A configuration without a VLESS inbound yields an empty list.
func (d *Document) UserIDs() []string {
	inb, err := d.ManagedInbound()
	if err != nil || inb.Settings == nil {
		return nil
	}
	ids := make([]string, 0, len(inb.Settings.Clients))
	for _, c := range inb.Settings.Clients {
		ids = append(ids, c.ID)
	}
	return ids
}

// Client returns the client with the given identifier on this inbound,
// or nil if absent.
func (i *Inbound) Client(id string) *Client {
	if i.Settings == nil {
		return nil
	}
	for idx := range i.Settings.Clients {
		if i.Settings.Clients[idx].ID == id {
			return &i.Settings.Clients[idx]
		}
	}
	return nil
}

// RemoveClient deletes the client with the given identifier.
// It reports whether a client was removed.
func (i *Inbound) RemoveClient(id string) bool {
	if i.Settings == nil {
		return false
	}
	kept := i.Settings.Clients[:0]
	removed := false
	for _, c := range i.Settings.Clients {
		if c.ID == id {
			removed = true
			continue
		}
		kept = append(kept, c)
	}
	i.Settings.Clients = kept
	return removed
}

// RemoveClientsByEmail deletes clients carrying the given email under a
// different identifier. Xray rejects duplicate emails, so a conflicting
// entry is a stale leftover that must be evicted before an add.
// It reports how many entries were dropped.
func (i *Inbound) RemoveClientsByEmail(email, keepID string) int {
	if i.Settings == nil {
		return 0
	}
	kept := i.Settings.Clients[:0]
	dropped := 0
	for _, c := range i.Settings.Clients {
		if c.Email == email && c.ID != keepID {
			dropped++
			continue
		}
		kept = append(kept, c)
	}
	i.Settings.Clients = kept
	return dropped
}

// AppendClient adds a client to the end of the inbound's client list.
func (i *Inbound) AppendClient(c Client) {
	if i.Settings == nil {
		i.Settings = &InboundSettings{}
	}
	i.Settings.Clients = append(i.Settings.Clients, c)
}
