package scheduler

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrIntegrity marks a download whose reassembled bytes do not hash to
	// the requested CID. Per-chunk hashes cannot catch this when chunk CIDs
	// arrived untrusted.
	ErrIntegrity = errors.New("reassembled content does not match requested CID")

	// ErrCancelled marks an externally cancelled download.
	ErrCancelled = errors.New("download cancelled")

	// ErrAlreadyDownloading rejects a duplicate download for the same CID.
	ErrAlreadyDownloading = errors.New("download already in progress")

	// ErrBusy is returned on the serve path when at capacity.
	ErrBusy = errors.New("serving at capacity")

	// ErrNotEligible refuses service to a peer failing tit-for-tat.
	ErrNotEligible = errors.New("peer not eligible for upload")
)

// NoProvidersError reports an exhausted provider set with per-peer
// diagnostics.
type NoProvidersError struct {
	CID   string
	Tried map[string]string // peer -> last failure reason
}

func (e *NoProvidersError) Error() string {
	if len(e.Tried) == 0 {
		return fmt.Sprintf("no providers available for %s", e.CID)
	}

	peers := make([]string, 0, len(e.Tried))
	for peer := range e.Tried {
		peers = append(peers, peer)
	}
	sort.Strings(peers)

	var b strings.Builder
	fmt.Fprintf(&b, "no providers left for %s after trying %d:", e.CID, len(peers))
	for _, peer := range peers {
		fmt.Fprintf(&b, " %s (%s)", peer, e.Tried[peer])
	}
	return b.String()
}

// Is lets callers match the generic condition with errors.Is.
func (e *NoProvidersError) Is(target error) bool {
	return target == ErrNoProviders
}

// ErrNoProviders is the match target for NoProvidersError.
var ErrNoProviders = errors.New("no providers available")
