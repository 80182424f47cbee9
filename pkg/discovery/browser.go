package discovery

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/enbility/zeroconf/v3"
)

// Browser finds SMP endpoints.
type Browser interface {
	// Browse streams services as they appear. The channel is closed when
	// ctx ends.
	Browse(ctx context.Context) (<-chan *Service, error)

	// FindAll collects services until ctx ends or BrowseTimeout elapses.
	FindAll(ctx context.Context) ([]*Service, error)

	// Find returns the service with the given instance name.
	Find(ctx context.Context, name string) (*Service, error)

	// Stop stops all active browsing operations.
	Stop()
}

// BrowserConfig configures browser behavior.
type BrowserConfig struct {
	// BrowseTimeout bounds FindAll and Find. Default: 5 seconds.
	BrowseTimeout time.Duration

	// Interface specifies which network interface to use.
	// Empty string means all interfaces.
	Interface string
}

// DefaultBrowserConfig returns the default browser configuration.
func DefaultBrowserConfig() BrowserConfig {
	return BrowserConfig{BrowseTimeout: BrowseTimeout}
}

// MDNSBrowser implements Browser using zeroconf.
type MDNSBrowser struct {
	config BrowserConfig

	mu      sync.Mutex
	cancels []context.CancelFunc
}

// NewMDNSBrowser creates a new mDNS browser.
func NewMDNSBrowser(config BrowserConfig) *MDNSBrowser {
	if config.BrowseTimeout <= 0 {
		config.BrowseTimeout = BrowseTimeout
	}
	return &MDNSBrowser{config: config}
}

// Browse searches for ServiceType. Entries are aggregated by instance name;
// a service is emitted once, when first seen.
func (b *MDNSBrowser) Browse(ctx context.Context) (<-chan *Service, error) {
	ctx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.cancels = append(b.cancels, cancel)
	b.mu.Unlock()

	entries := make(chan *zeroconf.ServiceEntry)
	removed := make(chan *zeroconf.ServiceEntry)
	out := make(chan *Service)

	var opts []zeroconf.ClientOption
	if ifaces := interfaces(b.config.Interface); ifaces != nil {
		opts = append(opts, zeroconf.SelectIfaces(ifaces))
	}

	go func() {
		defer close(out)
		agg := newAggregator()
		for {
			select {
			case entry, ok := <-entries:
				if !ok {
					return
				}
				svc, isNew := agg.add(entryToService(entry))
				if !isNew {
					continue
				}
				select {
				case out <- svc.clone():
				case <-ctx.Done():
					return
				}
			case entry, ok := <-removed:
				if !ok {
					continue
				}
				agg.remove(entry.Instance, entryAddresses(entry))
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		_ = zeroconf.Browse(ctx, ServiceType, Domain, entries, removed, opts...)
	}()

	return out, nil
}

// FindAll collects services until ctx ends or the browse timeout elapses.
func (b *MDNSBrowser) FindAll(ctx context.Context) ([]*Service, error) {
	ctx, cancel := context.WithTimeout(ctx, b.config.BrowseTimeout)
	defer cancel()

	ch, err := b.Browse(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Service
	for svc := range ch {
		out = append(out, svc)
	}
	return out, nil
}

// Find returns the first service named name.
func (b *MDNSBrowser) Find(ctx context.Context, name string) (*Service, error) {
	ctx, cancel := context.WithTimeout(ctx, b.config.BrowseTimeout)
	defer cancel()

	ch, err := b.Browse(ctx)
	if err != nil {
		return nil, err
	}
	for svc := range ch {
		if svc.InstanceName == name {
			return svc, nil
		}
	}
	return nil, ErrNotFound
}

// Stop cancels every browse started by b.
func (b *MDNSBrowser) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, cancel := range b.cancels {
		cancel()
	}
	b.cancels = nil
}

// entryToService converts a zeroconf entry.
func entryToService(entry *zeroconf.ServiceEntry) *Service {
	svc := &Service{
		InstanceName: entry.Instance,
		Host:         entry.HostName,
		Port:         uint16(entry.Port),
		Addresses:    entryAddresses(entry),
	}
	DecodeTXT(StringsToTXTRecords(entry.Text), svc)
	return svc
}

func entryAddresses(entry *zeroconf.ServiceEntry) []string {
	return ipStrings(entry.AddrIPv4, entry.AddrIPv6)
}

func ipStrings(lists ...[]net.IP) []string {
	var addrs []string
	for _, l := range lists {
		for _, ip := range l {
			addrs = append(addrs, ip.String())
		}
	}
	return addrs
}

func (s *Service) clone() *Service {
	c := *s
	c.Addresses = append([]string(nil), s.Addresses...)
	return &c
}

// aggregator merges entries of the same instance seen on several interfaces.
type aggregator struct {
	services map[string]*Service
}

func newAggregator() *aggregator {
	return &aggregator{services: make(map[string]*Service)}
}

// add records svc and reports whether its instance is new. For a known
// instance the addresses are merged into the stored service, which is
// returned.
func (a *aggregator) add(svc *Service) (*Service, bool) {
	existing, found := a.services[svc.InstanceName]
	if !found {
		a.services[svc.InstanceName] = svc
		return svc, true
	}
	existing.Addresses = mergeAddresses(existing.Addresses, svc.Addresses)
	return existing, false
}

// remove drops addrs from instance and forgets it when none remain.
func (a *aggregator) remove(instance string, addrs []string) {
	existing, found := a.services[instance]
	if !found {
		return
	}
	existing.Addresses = removeAddresses(existing.Addresses, addrs)
	if len(existing.Addresses) == 0 {
		delete(a.services, instance)
	}
}

// mergeAddresses adds new addresses to existing list, avoiding duplicates.
func mergeAddresses(existing, new []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, addr := range existing {
		seen[addr] = true
	}
	for _, addr := range new {
		if !seen[addr] {
			existing = append(existing, addr)
			seen[addr] = true
		}
	}
	return existing
}

// removeAddresses filters addrs out of addresses.
func removeAddresses(addresses, addrs []string) []string {
	toRemove := make(map[string]bool, len(addrs))
	for _, a := range addrs {
		toRemove[a] = true
	}
	result := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		if !toRemove[addr] {
			result = append(result, addr)
		}
	}
	return result
}

var _ Browser = (*MDNSBrowser)(nil)
