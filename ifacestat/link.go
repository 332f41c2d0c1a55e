package ifacestat

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
)

// LinkCheckInterval is the interval between link state checks.
const LinkCheckInterval = 100 * time.Millisecond

// LinkState reports whether the named link is up.
type LinkState func(name string) (bool, error)

// NetlinkState reads the operational state over netlink. Links without an
// operational state, such as veth in some setups, count as up when
// administratively up.
func NetlinkState(name string) (bool, error) {
	l, err := netlink.LinkByName(name)
	if err != nil {
		return false, fmt.Errorf("looking up %q: %w", name, err)
	}
	attrs := l.Attrs()
	switch attrs.OperState {
	case netlink.OperUp:
		return true, nil
	case netlink.OperUnknown:
		return attrs.Flags&net.FlagUp != 0, nil
	}
	return false, nil
}

// WaitLinksUp polls state every LinkCheckInterval until all links are up,
// timeout elapses or ctx is done. It returns the links that are down;
// only lookup failures and ctx cancellation are errors.
func WaitLinksUp(
	ctx context.Context,
	names []string,
	timeout time.Duration,
	state LinkState,
	log *zap.SugaredLogger,
) (down []string, err error) {
	if state == nil {
		state = NetlinkState
	}
	log.Infof("checking link status of %d interfaces", len(names))

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(LinkCheckInterval)
	defer tick.Stop()

	for {
		down = down[:0]
		for _, name := range names {
			up, err := state(name)
			if err != nil {
				return nil, err
			}
			if !up {
				down = append(down, name)
			}
		}
		if len(down) == 0 {
			log.Info("all links are up")
			return nil, nil
		}

		select {
		case <-ctx.Done():
			return down, ctx.Err()
		case <-deadline.C:
			for _, name := range down {
				log.Warnw("link is down", zap.String("iface", name))
			}
			return down, nil
		case <-tick.C:
		}
	}
}
