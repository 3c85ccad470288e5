package mqttloop

import (
	"context"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
)

// SRVComplete receives the outcome of an SRV lookup on the loop goroutine.
type SRVComplete func(sock *Socket, address string, err error)

// SRVResolver is the default Resolver. It looks up _mqtt._tcp records and
// dials the first target on a background goroutine and reports completion
// through a socket pair the loop polls.
type SRVResolver struct {
	connector Connector
	complete  SRVComplete
	lookup    func(ctx context.Context, service, proto, name string) (string, []*net.SRV, error)
	done      *WakeChannel

	mu      sync.Mutex
	active  bool
	sock    *Socket
	address string
	err     error
}

// NewSRVResolver creates a resolver that dials through connector.
func NewSRVResolver(connector Connector, complete SRVComplete) (*SRVResolver, error) {
	if connector == nil || complete == nil {
		return nil, ErrInvalidArgument
	}

	done, err := NewWakeChannel()
	if err != nil {
		return nil, err
	}

	return &SRVResolver{
		connector: connector,
		complete:  complete,
		lookup:    net.DefaultResolver.LookupSRV,
		done:      done,
	}, nil
}

// Start begins a lookup for domain.
func (r *SRVResolver) Start(ctx context.Context, domain string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active {
		return fmt.Errorf("%w: lookup already running", ErrInvalidArgument)
	}
	r.active = true
	r.sock, r.address, r.err = nil, "", nil

	go r.run(ctx, domain)
	return nil
}

func (r *SRVResolver) run(ctx context.Context, domain string) {
	sock, address, err := r.resolve(ctx, domain)

	r.mu.Lock()
	r.sock, r.address, r.err = sock, address, err
	r.mu.Unlock()

	_ = r.done.Signal()
}

func (r *SRVResolver) resolve(ctx context.Context, domain string) (*Socket, string, error) {
	_, records, err := r.lookup(ctx, "mqtt", "tcp", domain)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrNameResolution, err)
	}
	if len(records) == 0 {
		return nil, "", fmt.Errorf("%w: no SRV records for %s", ErrNameResolution, domain)
	}

	// Records arrive sorted by priority and shuffled by weight.
	target := records[0]
	host := strings.TrimSuffix(target.Target, ".")
	address := "tcp://" + net.JoinHostPort(host, strconv.Itoa(int(target.Port)))

	// The name resolved; dial failures keep their own class and the target so
	// the reconnect loop backs off and redials it.
	sock, err := r.connector.Dial(ctx, address)
	if err != nil {
		return nil, address, err
	}
	return sock, address, nil
}

// Active reports a lookup in progress.
func (r *SRVResolver) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.active
}

// Descriptors returns the completion descriptor while a lookup runs.
func (r *SRVResolver) Descriptors() (read, write []int) {
	if !r.Active() {
		return nil, nil
	}
	if fd := r.done.ReadFd(); fd >= 0 {
		read = []int{fd}
	}
	return read, nil
}

// Process hands a finished lookup to the completion callback.
func (r *SRVResolver) Process(readable, _ []int) {
	fd := r.done.ReadFd()
	if fd < 0 || !slices.Contains(readable, fd) {
		return
	}

	r.mu.Lock()
	if !r.active || (r.sock == nil && r.err == nil) {
		r.mu.Unlock()
		r.done.DrainPending()
		return
	}
	sock, address, err := r.sock, r.address, r.err
	r.active = false
	r.sock, r.address, r.err = nil, "", nil
	r.mu.Unlock()

	r.done.DrainPending()
	r.complete(sock, address, err)
}

// Close releases the completion socket pair.
func (r *SRVResolver) Close() error {
	return r.done.Close()
}
