// Package constants defines cross-cutting protocol defaults and encodings.
package constants

import "time"

// DHT configuration
const (
	// Kademlia bucket size K=20, lookup parallelism alpha=3
	DHTBucketSize = 20
	DHTAlpha      = 3

	// FIND_PROVIDERS stops after this many distinct providers, or after
	// DHTBetaRounds consecutive rounds without frontier improvement.
	MaxProviders  = 50
	DHTBetaRounds = DHTBucketSize

	// Upper bound on provider records held by a single node; LRU beyond this.
	MaxProviderRecords = 65536
)

// Timing configuration
const (
	// Provider record TTL 24h, own records republished at 12h
	ProviderTTL       = 24 * time.Hour
	RepublishInterval = 12 * time.Hour

	// Per-RPC and whole-lookup deadlines
	RPCTimeout   = 15 * time.Second
	QueryTimeout = 30 * time.Second

	// Provider store sweep cadence
	SweepInterval = 10 * time.Minute

	// Availability tracker
	PeerTimeout    = 5 * time.Minute
	GossipInterval = 30 * time.Second

	// Chunk scheduler
	RequestTimeout    = 30 * time.Second
	UnchokeInterval   = 30 * time.Second
	PeerCooldown      = 60 * time.Second
	MetadataTimeout   = 15 * time.Second
	ProviderRefreshes = 3

	// Max tolerated clock skew on signed frames
	MaxClockSkew = 120 * time.Second
)

// Data configuration
const (
	// Transfer chunks are BitTorrent-sized; addressing chunks are larger.
	// The two sizes are independent publish-time parameters.
	TransferChunkSize   = 256 * 1024
	AddressingChunkSize = 1024 * 1024

	// Scheduler concurrency bounds
	MaxConcurrentDownloads = 10
	ChunksPerPeer          = 4

	// Rolling bandwidth window per peer
	BandwidthWindow = 10
)

// Reputation configuration
const (
	SuccessWeight     = 0.7
	UptimeWeight      = 0.3
	MinReputation     = 0.3
	NeutralReputation = 0.5
	ReliableThreshold = 0.8
	UptimeSaturation  = time.Hour
	MinUploadRatio    = 0.3
)

// Protocol configuration
const (
	ProtocolVersion = 1

	DefaultTCPPort  = 4701
	DefaultQUICPort = 4702

	// CIDs are SHA-256 multihashes rendered base58btc with the "Qm" prefix.
	MultihashSHA256 = 0x12
	MultihashLen    = 0x20
)

// Message kinds
const (
	KindPing            = 1
	KindPong            = 2
	KindFindNode        = 10
	KindFindNodeResp    = 11
	KindFindProviders   = 12
	KindFindProvResp    = 13
	KindAddProvider     = 14
	KindAddProviderAck  = 15
	KindGetMetadata     = 40
	KindMetadataResp    = 41
	KindGetChunk        = 42
	KindChunkResp       = 43
	KindGossipPeerStats = 50
)

// Wire error codes carried in CHUNK/metadata responses
const (
	ErrorNone        = 0
	ErrorNotFound    = 1
	ErrorNotEligible = 2
	ErrorBusy        = 3
	ErrorRateLimit   = 4
	ErrorBadRequest  = 5
)
