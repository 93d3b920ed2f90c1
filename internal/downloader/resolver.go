package downloader

import (
	"context"
	"net"
	"sync"
)

// Resolver maps a hostname to the IP string used as a slot key in KeyByIP
// mode. Injectable so tests avoid real DNS.
type Resolver interface {
	LookupIPKey(ctx context.Context, host string) (string, error)
}

// CachingResolver resolves through net.DefaultResolver and remembers the
// first answer per host, so slot keying stays stable for a run even when
// DNS rotates.
type CachingResolver struct {
	mu    sync.Mutex
	cache map[string]string
}

// NewCachingResolver builds an empty resolver cache.
func NewCachingResolver() *CachingResolver {
	return &CachingResolver{cache: make(map[string]string)}
}

// LookupIPKey implements Resolver.
func (r *CachingResolver) LookupIPKey(ctx context.Context, host string) (string, error) {
	r.mu.Lock()
	if ip, ok := r.cache[host]; ok {
		r.mu.Unlock()
		return ip, nil
	}
	r.mu.Unlock()

	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return "", err
	}
	if len(addrs) == 0 {
		return "", &net.DNSError{Err: "no addresses", Name: host, IsNotFound: true}
	}
	ip := addrs[0].IP.String()

	r.mu.Lock()
	r.cache[host] = ip
	r.mu.Unlock()
	return ip, nil
}
