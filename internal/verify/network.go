package verify

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"classattend/internal/model"
)

// Network accepts origin addresses inside one of the session's ranges.
type Network struct{}

func (Network) Method() model.Method { return model.MethodNetwork }

func (Network) Verify(s *model.Session, ev model.Evidence, _ time.Time) (model.MethodMatch, error) {
	if s.Network == nil {
		return model.MethodMatch{}, fmt.Errorf("session %s has no network ranges configured", s.ID)
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(ev.Address))
	if err != nil {
		return model.MethodMatch{}, model.NewError(model.KindOriginNotAllowed,
			fmt.Sprintf("unparseable origin %q", ev.Address))
	}
	addr = addr.Unmap()

	for _, r := range s.Network.AllowedRanges {
		prefix, err := ParseRange(r)
		if err != nil {
			continue
		}
		if prefix.Contains(addr) {
			return model.MethodMatch{
				Method:   model.MethodNetwork,
				Snapshot: model.Snapshot{Address: addr.String()},
			}, nil
		}
	}
	return model.MethodMatch{}, model.NewError(model.KindOriginNotAllowed,
		fmt.Sprintf("origin %s not in allowed ranges", addr))
}

// ParseRange parses a CIDR prefix or a single address as a one-address prefix.
func ParseRange(r string) (netip.Prefix, error) {
	r = strings.TrimSpace(r)
	if strings.Contains(r, "/") {
		p, err := netip.ParsePrefix(r)
		if err != nil {
			return netip.Prefix{}, err
		}
		return p.Masked(), nil
	}
	a, err := netip.ParseAddr(r)
	if err != nil {
		return netip.Prefix{}, err
	}
	a = a.Unmap()
	return netip.PrefixFrom(a, a.BitLen()), nil
}
