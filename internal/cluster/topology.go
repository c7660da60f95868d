package cluster

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/google/uuid"
)

// TopologyID derives a stable id from the peer table so every member
// started from the same configuration reports the same value.
func TopologyID(peers map[uint64]string) string {
	var b strings.Builder
	for _, id := range slices.Sorted(maps.Keys(peers)) {
		fmt.Fprintf(&b, "%d=%s;", id, peers[id])
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(b.String())).String()
}
