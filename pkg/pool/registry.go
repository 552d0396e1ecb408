package pool

import (
	"slices"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/amirimatin/go-nodepool/pkg/failure"
	"github.com/amirimatin/go-nodepool/pkg/internal/logutil"
	"github.com/amirimatin/go-nodepool/pkg/metadata"
	"github.com/amirimatin/go-nodepool/pkg/schedule"
)

// Factory builds a custom policy on the registry's scheduler.
type Factory func(sched schedule.Scheduler) (Policy, error)

// Policies resolves policy names to instances. Built-in names are
// default, firstAlive, random and roundRobin; custom strategies are added
// with Register. Instances are built once per name and shared.
type Policies struct {
	mu        sync.Mutex
	sched     schedule.Scheduler
	factories map[string]Factory
	cache     map[string]Policy
}

// NewPolicies returns a registry whose policies schedule on sched. A nil
// scheduler disables background maintenance for every policy.
func NewPolicies(sched schedule.Scheduler) *Policies {
	return &Policies{sched: sched, factories: map[string]Factory{}, cache: map[string]Policy{}}
}

// Register adds a custom strategy under name.
func (ps *Policies) Register(name string, f Factory) error {
	key := normalizeName(name)
	if key == "" || f == nil {
		return failure.Configuration("policy registration needs a name and a factory")
	}
	if _, builtin := ParseKind(name); builtin {
		return failure.Configuration("policy %q is built in", name)
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.factories[key] = f
	delete(ps.cache, key)
	return nil
}

// Get returns the policy named name; empty means default.
func (ps *Policies) Get(name string) (Policy, error) {
	key := normalizeName(name)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if p, ok := ps.cache[key]; ok {
		return p, nil
	}
	var (
		p   Policy
		err error
	)
	if k, ok := ParseKind(name); ok {
		p, err = NewPolicy(k, ps.sched)
	} else if f, ok := ps.factories[key]; ok {
		p, err = f(ps.sched)
		if err == nil && p == nil {
			err = failure.Configuration("policy %q factory returned nothing", name)
		}
	} else {
		err = failure.Configuration("unknown load balancing policy %q", name)
	}
	if err != nil {
		return nil, err
	}
	ps.cache[key] = p
	return p, nil
}

// Names lists built-in and registered policy names.
func (ps *Policies) Names() []string {
	names := []string{KindDefault.String(), KindFirstAlive.String(), KindRandom.String(), KindRoundRobin.String()}
	ps.mu.Lock()
	for k := range ps.factories {
		names = append(names, k)
	}
	ps.mu.Unlock()
	slices.Sort(names[4:])
	return names
}

// RegistryOptions are shared by every pool a Registry creates.
type RegistryOptions struct {
	Scheduler schedule.Scheduler
	Prober    Prober
	Metadata  metadata.Source
	Logger    hclog.Logger
}

// Registry hands out one Pool per distinct endpoint string and options.
type Registry struct {
	mu       sync.Mutex
	opts     RegistryOptions
	policies *Policies
	pools    map[string]*Pool
}

func NewRegistry(opts RegistryOptions) *Registry {
	opts.Logger = logutil.Or(opts.Logger, "registry")
	return &Registry{opts: opts, policies: NewPolicies(opts.Scheduler), pools: map[string]*Pool{}}
}

// Policies is the policy registry pools created here resolve names in.
func (r *Registry) Policies() *Policies { return r.policies }

// Get returns the pool for endpoints and options, creating it on first use.
func (r *Registry) Get(endpoints string, options map[string]string) (*Pool, error) {
	key := CacheKey(endpoints, options)
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pools[key]; ok {
		return p, nil
	}
	nodes, template, err := ParseEndpoints(endpoints, options)
	if err != nil {
		return nil, err
	}
	p, err := New(nodes, template, Options{
		Policies: r.policies,
		Prober:   r.opts.Prober,
		Metadata: r.opts.Metadata,
		Logger:   r.opts.Logger.Named("pool"),
	})
	if err != nil {
		return nil, err
	}
	r.pools[key] = p
	return p, nil
}

// Remove shuts down and forgets the pool for endpoints and options.
func (r *Registry) Remove(endpoints string, options map[string]string) bool {
	key := CacheKey(endpoints, options)
	r.mu.Lock()
	p, ok := r.pools[key]
	delete(r.pools, key)
	r.mu.Unlock()
	if ok {
		p.Shutdown()
	}
	return ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pools)
}

// Close shuts down every pool.
func (r *Registry) Close() {
	r.mu.Lock()
	pools := r.pools
	r.pools = map[string]*Pool{}
	r.mu.Unlock()
	for _, p := range pools {
		p.Shutdown()
	}
}
