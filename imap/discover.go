package imap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
)

var ErrNoService = errors.New("no imap service announced")

// lookupSRV is swapped out in tests.
var lookupSRV = net.DefaultResolver.LookupSRV

// Discover finds the IMAP endpoint for a mailbox address through the RFC 6186
// SRV records of its domain. With useTLS only _imaps is considered.
func Discover(ctx context.Context, address string, useTLS bool) (string, int, error) {
	at := strings.LastIndex(address, "@")
	if at < 0 || at == len(address)-1 {
		return "", 0, fmt.Errorf("discover: %q is not a mailbox address", address)
	}
	domain := address[at+1:]

	service := "imap"
	if useTLS {
		service = "imaps"
	}

	_, records, err := lookupSRV(ctx, service, "tcp", domain)
	if err != nil {
		return "", 0, fmt.Errorf("discover _%s._tcp.%s: %w", service, domain, err)
	}

	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Priority != records[j].Priority {
			return records[i].Priority < records[j].Priority
		}
		return records[i].Weight > records[j].Weight
	})
	for _, r := range records {
		target := strings.TrimSuffix(r.Target, ".")
		// "." announces that the service is not offered.
		if target == "" || r.Port == 0 {
			continue
		}
		return target, int(r.Port), nil
	}
	return "", 0, fmt.Errorf("%w for %s", ErrNoService, domain)
}
