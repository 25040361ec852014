package etcd

import (
	"fmt"
	"strconv"
	"strings"
)

// token is what a scalewatch.Lease carries as its Revision: enough to prove
// ownership of the key and to detect a connection loss since the grant.
type token struct {
	leaseID   int64
	createRev int64
	epoch     uint64
}

func (t token) String() string {
	return strconv.FormatInt(t.leaseID, 16) + ":" + strconv.FormatInt(t.createRev, 10) + ":" + strconv.FormatUint(t.epoch, 10)
}

func parseToken(s string) (token, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return token{}, fmt.Errorf("malformed lease token %q", s)
	}
	id, err := strconv.ParseInt(parts[0], 16, 64)
	if err != nil {
		return token{}, fmt.Errorf("malformed lease id in %q: %w", s, err)
	}
	rev, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return token{}, fmt.Errorf("malformed revision in %q: %w", s, err)
	}
	epoch, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return token{}, fmt.Errorf("malformed epoch in %q: %w", s, err)
	}
	return token{leaseID: id, createRev: rev, epoch: epoch}, nil
}
