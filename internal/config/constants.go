package config

import "time"

// Network defaults
const (
	DefaultPort        = 3653
	MaxPacketSize      = 65535
	ProtocolBufferSize = 4096
	ProtocolFrameSize  = 65536
)

// Timeouts
const (
	ConnectTimeout       = 10 * time.Second
	ReadTimeout          = 60 * time.Second
	LoopWait             = 500 * time.Millisecond
	IdleLoopWait         = 7 * 24 * time.Hour
	VersionFallbackDelay = 5 * time.Second
	StopCheckInterval    = time.Second
)

// Reliable UDP retransmission (RFC 2988 style estimator)
const (
	RUDPInitialRTO      = 2 * time.Second
	RUDPMinRTO          = 2 * time.Second
	RUDPMaxRTO          = 30 * time.Second
	RUDPInitialRTTVar   = 500 * time.Millisecond
	RUDPRetriesNoPeer   = 3
	RUDPMaxRetries      = 8
	RUDPInitialSequence = 240
	RUDPSequenceFlag    = 0xf0000000
	RUDPHeaderLen       = 8
)

// Keepalive
const (
	KeepaliveReplyTimeout    = 5 * time.Second
	KeepaliveMaxConsecutive  = 3
	KeepaliveMinInterval     = time.Second
	KeepaliveDefaultInterval = 30
)

// Broker list and distance probing
const (
	MaxBrokers          = 50
	MaxBrokerAddrLen    = 255
	EchoAttempts        = 3
	EchoTimeout         = 10 * time.Second
	EchoPort            = 3653
	DistanceTimeout     = 20000
	DistanceError       = 20000
	DistanceWrongFamily = 30000
)

// Reconnect backoff
const (
	DefaultRetryDelay    = 30
	DefaultRetryDelayMax = 300
	BackoffDoubleEvery   = 3
)

// Default file names, relative to the gogoc directory
const (
	DefaultLastServerFile = "tsp-last-server.txt"
	DefaultBrokerListFile = "tsp-broker-list.txt"
	DefaultKeyFile        = "gogockeys.pub"
	DefaultTemplate       = "linux"
)

// Tunnel device
const (
	DefaultTunnelMTU = 1280
	ScriptTimeout    = 60 * time.Second
)

// Tunnel interface names
const (
	TunNameV6V4    = "sit1"
	TunNameV6UDPV4 = "tun"
	TunNameV4V6    = "ip6tnl1"
	TunNameWindows = "gogoc"
)

// Mock broker
const (
	BrokerCleanupInterval = 30 * time.Second
	BrokerPeerTimeout     = 2 * time.Minute
	BrokerMaxPeers        = 1024
	BrokerRealm           = "tspbroker"
	BrokerTunnelLifetime  = 604800
)
