package webcodecs

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// CapabilityEntry describes one native pipeline: a codec implementation in
// one direction running on one acceleration method.
type CapabilityEntry struct {
	Codec     Codec
	Encode    bool
	Method    HWMethod
	Name      string // Native implementation name, e.g. "h264_nvenc"
	Available bool

	// Priority orders candidates, lower first. Zero means unset and the
	// method's static priority applies; entries that must sort ahead of
	// every default use a negative value.
	Priority int
}

// priority returns the effective priority of e.
func (e CapabilityEntry) priority() int {
	if e.Priority != 0 {
		return e.Priority
	}
	return e.Method.Priority()
}

// CapabilitySnapshot is an immutable view of the pipelines found usable.
// Overrides list, per codec, the methods to try before static priority
// order applies.
type CapabilitySnapshot struct {
	Entries   []CapabilityEntry
	Overrides map[Codec][]HWMethod
	Probed    time.Time
}

// Lookup returns the entry for (codec, encode, method).
func (s *CapabilitySnapshot) Lookup(codec Codec, encode bool, method HWMethod) (CapabilityEntry, bool) {
	if s == nil {
		return CapabilityEntry{}, false
	}
	for _, e := range s.Entries {
		if e.Codec == codec && e.Encode == encode && e.Method == method {
			return e, true
		}
	}
	return CapabilityEntry{}, false
}

// CapabilityProber discovers the native pipelines of the host.
type CapabilityProber interface {
	Probe(ctx context.Context) ([]CapabilityEntry, error)
}

// CapabilityStore holds the current capability snapshot. Readers never
// block; Refresh swaps in a new snapshot atomically.
type CapabilityStore struct {
	prober    CapabilityProber
	overrides map[Codec][]HWMethod
	log       logrus.FieldLogger

	snap      atomic.Pointer[CapabilitySnapshot]
	refreshMu sync.Mutex
}

// NewCapabilityStore returns a store whose initial snapshot holds only the
// software pipelines. prober may be nil.
func NewCapabilityStore(prober CapabilityProber, overrides map[Codec][]HWMethod, logger logrus.FieldLogger) *CapabilityStore {
	if logger == nil {
		logger = Logger()
	}
	cs := &CapabilityStore{
		prober:    prober,
		overrides: copyOverrides(overrides),
		log:       logger,
	}
	cs.snap.Store(&CapabilitySnapshot{
		Entries:   softwareEntries(),
		Overrides: cs.overrides,
	})
	return cs
}

// Snapshot returns the current snapshot. It is never nil.
func (cs *CapabilityStore) Snapshot() *CapabilitySnapshot {
	return cs.snap.Load()
}

// Set replaces the snapshot entries, keeping the configured overrides.
func (cs *CapabilityStore) Set(entries []CapabilityEntry) {
	cs.refreshMu.Lock()
	defer cs.refreshMu.Unlock()
	cs.publish(entries)
}

// Refresh probes the host and publishes a new snapshot. On failure the
// previous snapshot stays in effect.
func (cs *CapabilityStore) Refresh(ctx context.Context) error {
	if cs.prober == nil {
		return nil
	}
	cs.refreshMu.Lock()
	defer cs.refreshMu.Unlock()

	start := time.Now()
	entries, err := cs.prober.Probe(ctx)
	if err != nil {
		return fmt.Errorf("capability probe: %w", err)
	}
	snap := cs.publish(entries)
	cs.log.WithFields(logrus.Fields{
		"entries":  len(snap.Entries),
		"duration": time.Since(start),
	}).Debug("Capabilities refreshed")
	return nil
}

func (cs *CapabilityStore) publish(entries []CapabilityEntry) *CapabilitySnapshot {
	snap := &CapabilitySnapshot{
		Entries:   append([]CapabilityEntry(nil), entries...),
		Overrides: cs.overrides,
		Probed:    time.Now(),
	}
	var seen [hwMethodCount]bool
	for _, e := range snap.Entries {
		if e.Available && e.Method < hwMethodCount {
			seen[e.Method] = true
		}
	}
	for m := HWMethod(0); m < hwMethodCount; m++ {
		setHWMethodAvailable(m, seen[m])
	}
	cs.snap.Store(snap)
	return snap
}

func copyOverrides(in map[Codec][]HWMethod) map[Codec][]HWMethod {
	if len(in) == 0 {
		return nil
	}
	out := make(map[Codec][]HWMethod, len(in))
	for c, ms := range in {
		out[c] = append([]HWMethod(nil), ms...)
	}
	return out
}

// probeCodecs are the codecs native engines are asked about.
var probeCodecs = []Codec{CodecAVC, CodecHEVC, CodecVP8, CodecVP9, CodecAV1, CodecAAC, CodecOpus}

func softwareEntries() []CapabilityEntry {
	out := make([]CapabilityEntry, 0, 2*len(probeCodecs))
	for _, c := range probeCodecs {
		for _, enc := range []bool{true, false} {
			out = append(out, CapabilityEntry{
				Codec:     c,
				Encode:    enc,
				Method:    HWMethodNone,
				Name:      HWMethodNone.NativeName(c, enc),
				Available: true,
			})
		}
	}
	return out
}

// EngineProber answers whether a native pipeline can be opened.
type EngineProber interface {
	ProbeCodec(codec Codec, encode bool, method HWMethod) bool
}

// NativeProber discovers pipelines by asking the native engine about every
// codec, direction and method. The software pipeline is always reported.
// Methods are probed concurrently since opening a device can be slow.
type NativeProber struct {
	Engine  EngineProber
	Methods []HWMethod // Methods to probe; nil probes every hardware method
}

// Probe implements CapabilityProber.
func (p *NativeProber) Probe(ctx context.Context) ([]CapabilityEntry, error) {
	methods := p.Methods
	if methods == nil {
		for _, m := range HWMethods() {
			if m.IsHardware() {
				methods = append(methods, m)
			}
		}
	}

	results := make([][]CapabilityEntry, len(methods))
	g, ctx := errgroup.WithContext(ctx)
	for i, m := range methods {
		if !m.IsHardware() {
			continue
		}
		i, m := i, m
		g.Go(func() error {
			var found []CapabilityEntry
			for _, c := range probeCodecs {
				for _, enc := range []bool{true, false} {
					if err := ctx.Err(); err != nil {
						return err
					}
					name := m.NativeName(c, enc)
					if name == HWMethodNone.NativeName(c, enc) {
						continue // no dedicated implementation for this method
					}
					found = append(found, CapabilityEntry{
						Codec:     c,
						Encode:    enc,
						Method:    m,
						Name:      name,
						Available: p.Engine.ProbeCodec(c, enc, m),
					})
				}
			}
			results[i] = found
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	entries := softwareEntries()
	for _, r := range results {
		entries = append(entries, r...)
	}
	return entries, nil
}
