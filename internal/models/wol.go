package models

// WOLConfig holds Wake-on-LAN configuration for the destination host.
type WOLConfig struct {
	MACAddress  string
	BroadcastIP string
}

// WOLResult holds the result of a Wake-on-LAN operation.
type WOLResult struct {
	Target     string // name of the connection target whose host was woken
	Address    string // broadcast host:port the packet went to
	PacketSent bool
	Error      error
}
