// Package discovery finds NUT servers on a local IPv4 subnet.
package discovery

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/jamesprial/upsguard/internal/nut"
	"golang.org/x/sync/errgroup"
)

// MinPrefixBits limits a scan to at most 1024 addresses.
const MinPrefixBits = 22

// Defaults for Options.
const (
	DefaultProbeTimeout = 500 * time.Millisecond
	DefaultConcurrency  = 64
)

// Options tunes a scan.
type Options struct {
	Port         int
	ProbeTimeout time.Duration
	Concurrency  int
}

func (o Options) withDefaults() Options {
	if o.Port <= 0 {
		o.Port = nut.DefaultPort
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = DefaultProbeTimeout
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	return o
}

// Host is a reachable NUT server. Devices is filled in when the server
// answered LIST UPS without credentials.
type Host struct {
	Address string       `json:"address"`
	Port    int          `json:"port"`
	Devices []nut.Device `json:"devices,omitempty"`
	Error   string       `json:"list_error,omitempty"`
}

// Hosts returns the usable host addresses of an IPv4 prefix in order. The
// network and broadcast addresses are skipped except for /31 and /32.
func Hosts(cidr string) ([]netip.Addr, error) {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return nil, fmt.Errorf("parse subnet %q: %w", cidr, err)
	}
	if !prefix.Addr().Is4() {
		return nil, fmt.Errorf("subnet %q: only IPv4 is supported", cidr)
	}
	if prefix.Bits() < MinPrefixBits {
		return nil, fmt.Errorf("subnet %q is too large (smallest allowed prefix is /%d)", cidr, MinPrefixBits)
	}
	prefix = prefix.Masked()

	var out []netip.Addr
	for a := prefix.Addr(); prefix.Contains(a); a = a.Next() {
		out = append(out, a)
	}
	if prefix.Bits() <= 30 && len(out) > 2 {
		out = out[1 : len(out)-1]
	}
	return out, nil
}

// Scan probes every host of cidr on the NUT port. Hosts that accept a TCP
// connection are returned in address order.
func Scan(ctx context.Context, cidr string, opts Options) ([]Host, error) {
	addrs, err := Hosts(cidr)
	if err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	results := make([]*Host, len(addrs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for i, addr := range addrs {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			results[i] = probe(gctx, addr, opts)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", cidr, err)
	}

	hosts := make([]Host, 0)
	for _, h := range results {
		if h != nil {
			hosts = append(hosts, *h)
		}
	}
	return hosts, nil
}

func probe(ctx context.Context, addr netip.Addr, opts Options) *Host {
	ctx, cancel := context.WithTimeout(ctx, opts.ProbeTimeout)
	defer cancel()

	target := nut.Target{Host: addr.String(), Port: opts.Port}
	c, err := nut.Dial(ctx, target, nut.Options{DialTimeout: opts.ProbeTimeout})
	if err != nil {
		return nil
	}
	defer c.Close()

	h := &Host{Address: target.Host, Port: opts.Port}
	devices, err := c.ListDevices(ctx)
	if err != nil {
		h.Error = err.Error()
		return h
	}
	h.Devices = devices
	return h
}
