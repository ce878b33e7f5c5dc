// SPDX-License-Identifier: GPL-3.0-or-later

package tunneld

import (
	"context"
	"net/netip"
)

// Resolver is the narrow address-resolution interface the core consumes
// (spec §1/§6: DNS/address resolution is an external collaborator). The
// concrete implementations (stdlib, DoH, DoT) live in the sibling
// `resolver` package; this interface is declared here, not there, so that
// package can depend on TLSContext without creating an import cycle.
type Resolver interface {
	Resolve(ctx context.Context, network, host string) ([]netip.Addr, error)
}
