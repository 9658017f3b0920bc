// Package routes implements composable route handles: nodes that make a
// dispatch or replication decision and forward to one or more downstream
// routing targets, every one of them behind the common Conn contract.
package routes

import (
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"

	"github.com/VictoriaMetrics/metrics"
	"github.com/hashicorp/go-multierror"

	"github.com/TPNguyen/mcrouter"
)

const (
	// MinReplicas and MaxReplicas bound the replica count a key-split
	// route accepts at build time.
	MinReplicas = 2
	MaxReplicas = 1000

	// ReplicaSeparator joins a logical key with a replica index. A
	// logical key containing the separator cannot be recovered from its
	// derived keys.
	ReplicaSeparator = "::"
)

var secondaryFailures = metrics.NewCounter("mcrouter_keysplit_secondary_failures_total")

// Picker selects the replica index a read operation is sent to. Results
// outside [0, replicas) are reduced into range before use.
type Picker func(replicas int) int

// RandomPicker picks a uniformly random replica. It is the default read
// policy: random reads spread a hot key's load, which is the point of
// splitting it in the first place.
func RandomPicker(replicas int) int {
	return rand.Intn(replicas)
}

// FixedPicker pins reads to one replica index. Useful for deterministic
// tests and for cache-locality tuning.
func FixedPicker(idx int) Picker {
	return func(replicas int) int {
		return idx % replicas
	}
}

// KeySplitOpts are optional knobs of a key-split route.
type KeySplitOpts struct {
	// Picker overrides the read-path replica selection, RandomPicker by
	// default.
	Picker Picker
	// Logger receives secondary-replica failure reports.
	Logger mcrouter.Logger
}

// KeySplitRoute spreads operations on one logical key across several
// physically distinct keys to mitigate hot-key overload.
//
// Writes fan out to every replica; the reply of replica 0 ("primary") is
// authoritative for the client. Reads go to exactly one replica. Secondary
// replicas are best-effort load spread, not linearizable copies: their
// failures are recorded for telemetry and never change the client-visible
// outcome.
type KeySplitRoute struct {
	destination mcrouter.Conn
	replicas    int
	allSync     bool
	pick        Picker
	logger      mcrouter.Logger
}

var _ mcrouter.Conn = (*KeySplitRoute)(nil)

// NewKeySplitRoute validates the replication policy and builds the route
// handle. The destination is owned exclusively by the handle. Violations
// are configuration errors meant to fail the whole route-tree build; no
// handle is constructed.
func NewKeySplitRoute(destination mcrouter.Conn, replicas int, allSync bool,
	opts KeySplitOpts) (*KeySplitRoute, error) {
	if destination == nil {
		return nil, errors.New("KeySplitRoute: no destination route")
	}
	if replicas < MinReplicas {
		return nil, fmt.Errorf("KeySplitRoute: there should be at least %d replicas", MinReplicas)
	}
	if replicas > MaxReplicas {
		return nil, fmt.Errorf("KeySplitRoute: there should be no more than %d replicas", MaxReplicas)
	}
	if opts.Picker == nil {
		opts.Picker = RandomPicker
	}
	if opts.Logger == nil {
		opts.Logger = mcrouter.DefaultLogger
	}
	return &KeySplitRoute{
		destination: destination,
		replicas:    replicas,
		allSync:     allSync,
		pick:        opts.Picker,
		logger:      opts.Logger,
	}, nil
}

// Replicas returns the configured replica count.
func (r *KeySplitRoute) Replicas() int {
	return r.replicas
}

// AllSync reports whether writes wait for every replica acknowledgement.
func (r *KeySplitRoute) AllSync() bool {
	return r.allSync
}

// DeriveKey returns the physical key of replica idx for a logical key.
func DeriveKey(key string, idx int) string {
	return key + ReplicaSeparator + strconv.Itoa(idx)
}

// RecoverLogicalKey strips the replica suffix from a derived key. A key
// without a well-formed suffix is returned unchanged.
func RecoverLogicalKey(derived string) string {
	sep := strings.LastIndex(derived, ReplicaSeparator)
	if sep < 0 {
		return derived
	}
	suffix := derived[sep+len(ReplicaSeparator):]
	if suffix == "" {
		return derived
	}
	for i := 0; i < len(suffix); i++ {
		if suffix[i] < '0' || suffix[i] > '9' {
			return derived
		}
	}
	return derived[:sep]
}

// Do transforms the client operation into replica-scoped operations and
// reconciles their results into a single reply.
//
// Write-class operations are issued for replica 0 first, then for the
// remaining replicas; the primary's reply is the client-visible one. With
// allSync the returned future resolves only after every replica completed,
// without it the future resolves as soon as the primary does and the
// secondaries finish on their own.
//
// Read-class operations go to exactly one replica chosen by the picker.
// Operations without key-splitting semantics pass through unmodified.
func (r *KeySplitRoute) Do(req *mcrouter.Request) *mcrouter.Future {
	if !req.Op.HasKey() || !r.canSplit(req.Key) {
		return r.destination.Do(req)
	}
	if req.Op.IsRead() {
		return r.doRead(req)
	}
	return r.doWrite(req)
}

// canSplit reports whether every derived key for this logical key stays
// within the protocol's key-length limit. Keys too long to augment are
// routed unsplit rather than rejected.
func (r *KeySplitRoute) canSplit(key string) bool {
	suffix := len(ReplicaSeparator) + len(strconv.Itoa(r.replicas-1))
	return len(key)+suffix <= mcrouter.MaxKeyLength
}

func (r *KeySplitRoute) doRead(req *mcrouter.Request) *mcrouter.Future {
	idx := r.pick(r.replicas)
	if idx < 0 || idx >= r.replicas {
		idx = ((idx % r.replicas) + r.replicas) % r.replicas
	}
	inner := r.destination.Do(req.WithKey(DeriveKey(req.Key, idx)))

	fut := mcrouter.NewFuture(req)
	go func() {
		reply, _ := inner.Get()
		fut.SetReply(r.translated(reply, req.Key))
	}()
	return fut
}

func (r *KeySplitRoute) doWrite(req *mcrouter.Request) *mcrouter.Future {
	// The primary is issued before any secondary; the order among
	// secondaries is unspecified.
	primary := r.destination.Do(req.WithKey(DeriveKey(req.Key, 0)))
	secondaries := make([]*mcrouter.Future, 0, r.replicas-1)
	for idx := 1; idx < r.replicas; idx++ {
		secondaries = append(secondaries, r.destination.Do(req.WithKey(DeriveKey(req.Key, idx))))
	}

	fut := mcrouter.NewFuture(req)
	go func() {
		reply, _ := primary.Get()
		if r.allSync {
			r.awaitSecondaries(req.Key, secondaries)
			fut.SetReply(r.translated(reply, req.Key))
			return
		}
		fut.SetReply(r.translated(reply, req.Key))
		go r.accountSecondaries(req.Key, secondaries)
	}()
	return fut
}

// awaitSecondaries blocks until every secondary replica completed,
// aggregating failures. The aggregate is telemetry only: it cannot
// override the primary's reply.
func (r *KeySplitRoute) awaitSecondaries(key string, secondaries []*mcrouter.Future) {
	var errs *multierror.Error
	for idx, secondary := range secondaries {
		reply, err := secondary.Get()
		if replicaFailed(reply, err) {
			secondaryFailures.Inc()
			errs = multierror.Append(errs, fmt.Errorf("replica %d: %w", idx+1, replicaError(reply, err)))
		}
	}
	if errs != nil {
		r.logger.Report(mcrouter.LogSecondaryReplicaFailed, key, errs.ErrorOrNil())
	}
}

// accountSecondaries records eventual secondary outcomes after the client
// already observed the primary's result.
func (r *KeySplitRoute) accountSecondaries(key string, secondaries []*mcrouter.Future) {
	r.awaitSecondaries(key, secondaries)
}

// translated reports the reply under the logical key when the backend
// reflected the derived one.
func (r *KeySplitRoute) translated(reply *mcrouter.Reply, logicalKey string) *mcrouter.Reply {
	if reply == nil || reply.Key == "" || reply.Key == logicalKey {
		return reply
	}
	cp := *reply
	cp.Key = logicalKey
	return &cp
}

// HealthCheck delegates to the destination.
func (r *KeySplitRoute) HealthCheck() bool {
	return r.destination.HealthCheck()
}

// Close tears down the owned destination.
func (r *KeySplitRoute) Close() error {
	return r.destination.Close()
}

func replicaFailed(reply *mcrouter.Reply, err error) bool {
	return err != nil || (reply != nil && reply.Failed())
}

func replicaError(reply *mcrouter.Reply, err error) error {
	if err != nil {
		return err
	}
	if reply.Err != nil {
		return reply.Err
	}
	return fmt.Errorf("replica reported %s", reply.Result)
}
