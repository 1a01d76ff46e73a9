package webcodecs

import (
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// PipelineKey identifies the pipeline a session needs. Sessions with equal
// keys share one fallback chain.
type PipelineKey struct {
	Codec  Codec
	Encode bool
	Format PixelFormat // PixelFormatUnknown for audio and decoders
	Width  int
	Height int
}

func (k PipelineKey) String() string {
	dir := "decode"
	if k.Encode {
		dir = "encode"
	}
	return fmt.Sprintf("%s/%s/%s/%dx%d", k.Codec, dir, k.Format, k.Width, k.Height)
}

// PipelineCandidate is one concrete way to run a pipeline.
type PipelineCandidate struct {
	Method   HWMethod
	Name     string // Native implementation name
	Priority int
}

// IsSoftware reports whether c is the software pipeline.
func (c PipelineCandidate) IsSoftware() bool {
	return c.Method == HWMethodNone
}

func softwareCandidate(key PipelineKey) PipelineCandidate {
	return PipelineCandidate{
		Method:   HWMethodNone,
		Name:     HWMethodNone.NativeName(key.Codec, key.Encode),
		Priority: HWMethodNone.Priority(),
	}
}

// fallbackChain is the ordered candidate list for one key. The cursor only
// moves forward; the software candidate is always last.
type fallbackChain struct {
	candidates []PipelineCandidate
	cursor     int
	failed     map[HWMethod]bool
}

// advance moves the cursor past failed candidates and reports whether a
// usable one remains.
func (c *fallbackChain) advance() bool {
	for c.cursor < len(c.candidates) && c.failed[c.candidates[c.cursor].Method] {
		c.cursor++
	}
	return c.cursor < len(c.candidates)
}

// ChainStatus describes one cached fallback chain.
type ChainStatus struct {
	Key        PipelineKey
	Candidates []PipelineCandidate
	Current    int // Index of the current candidate, len(Candidates) once exhausted
	Failed     []HWMethod
}

// Exhausted reports whether every candidate, software included, failed.
func (s ChainStatus) Exhausted() bool {
	return s.Current >= len(s.Candidates)
}

// PipelineSelector orders pipeline candidates and remembers which ones
// failed for each key.
type PipelineSelector struct {
	log     logrus.FieldLogger
	metrics *Metrics

	mu     sync.Mutex
	chains map[PipelineKey]*fallbackChain
}

// NewPipelineSelector returns a selector with an empty cache.
func NewPipelineSelector(logger logrus.FieldLogger, metrics *Metrics) *PipelineSelector {
	if logger == nil {
		logger = Logger()
	}
	return &PipelineSelector{
		log:     logger,
		metrics: metrics,
		chains:  make(map[PipelineKey]*fallbackChain),
	}
}

// buildChain orders the available candidates of snap for key: methods
// listed in the codec override first, in override order, then ascending
// priority with ties broken by name, then software.
func buildChain(snap *CapabilitySnapshot, key PipelineKey) []PipelineCandidate {
	var hw []CapabilityEntry
	if snap != nil {
		for _, e := range snap.Entries {
			if e.Codec == key.Codec && e.Encode == key.Encode && e.Available && e.Method.IsHardware() {
				hw = append(hw, e)
			}
		}
	}

	var overrides []HWMethod
	if snap != nil {
		overrides = snap.Overrides[key.Codec]
	}
	rank := func(m HWMethod) int {
		if i := slices.Index(overrides, m); i >= 0 {
			return i
		}
		return len(overrides)
	}
	sort.SliceStable(hw, func(i, j int) bool {
		ri, rj := rank(hw[i].Method), rank(hw[j].Method)
		if ri != rj {
			return ri < rj
		}
		pi, pj := hw[i].priority(), hw[j].priority()
		if pi != pj {
			return pi < pj
		}
		return hw[i].Name < hw[j].Name
	})

	chain := make([]PipelineCandidate, 0, len(hw)+1)
	seen := make(map[HWMethod]bool, len(hw))
	for _, e := range hw {
		if seen[e.Method] {
			continue
		}
		seen[e.Method] = true
		chain = append(chain, PipelineCandidate{Method: e.Method, Name: e.Name, Priority: e.priority()})
	}

	sw := softwareCandidate(key)
	if e, ok := snap.Lookup(key.Codec, key.Encode, HWMethodNone); ok && e.Name != "" {
		sw.Name = e.Name
	}
	return append(chain, sw)
}

// SelectBestPipeline returns the candidate to try for key. A software
// preference returns the software pipeline without consulting the cache.
// Otherwise the chain for key is built on first use and its current,
// not-yet-failed candidate is returned. It fails with ErrNotSupported once
// every candidate has failed.
func (s *PipelineSelector) SelectBestPipeline(snap *CapabilitySnapshot, key PipelineKey, pref HardwareAcceleration) (PipelineCandidate, error) {
	if pref == HardwareAccelerationPreferSoftware {
		return softwareCandidate(key), nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	chain, ok := s.chains[key]
	if !ok {
		chain = &fallbackChain{
			candidates: buildChain(snap, key),
			failed:     make(map[HWMethod]bool),
		}
		s.chains[key] = chain
	}
	if !chain.advance() {
		return PipelineCandidate{}, fmt.Errorf("%w: every pipeline for %s failed", ErrNotSupported, key)
	}
	return chain.candidates[chain.cursor], nil
}

// NextCandidate moves the chain for key past its current candidate and
// returns the next untried one. exhausted is true when only the software
// pipeline is left. Once software is behind the cursor it fails with
// ErrNotSupported.
func (s *PipelineSelector) NextCandidate(key PipelineKey) (next PipelineCandidate, exhausted bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chain, ok := s.chains[key]
	if !ok {
		return softwareCandidate(key), true, nil
	}
	if chain.cursor < len(chain.candidates) {
		chain.cursor++
	}
	if !chain.advance() {
		return PipelineCandidate{}, true, fmt.Errorf("%w: every pipeline for %s failed", ErrNotSupported, key)
	}
	next = chain.candidates[chain.cursor]
	return next, next.IsSoftware(), nil
}

// MarkFailed records that method failed for key. Failures are scoped to the
// chain of key; other keys are unaffected.
func (s *PipelineSelector) MarkFailed(key PipelineKey, method HWMethod) {
	s.mu.Lock()
	chain, ok := s.chains[key]
	if !ok {
		chain = &fallbackChain{
			candidates: []PipelineCandidate{softwareCandidate(key)},
			failed:     make(map[HWMethod]bool),
		}
		s.chains[key] = chain
	}
	already := chain.failed[method]
	chain.failed[method] = true
	s.mu.Unlock()

	if already {
		return
	}
	s.metrics.observeFallback(key.Codec, method)
	s.log.WithFields(logrus.Fields{
		"pipeline": key.String(),
		"method":   method.String(),
	}).Warn("Pipeline failed, falling back")
}

// Invalidate drops the cached chain for key.
func (s *PipelineSelector) Invalidate(key PipelineKey) {
	s.mu.Lock()
	delete(s.chains, key)
	s.mu.Unlock()
}

// ClearCache drops every cached chain.
func (s *PipelineSelector) ClearCache() {
	s.mu.Lock()
	clear(s.chains)
	s.mu.Unlock()
}

// CacheStatus returns the cached chains ordered by key.
func (s *PipelineSelector) CacheStatus() []ChainStatus {
	s.mu.Lock()
	out := make([]ChainStatus, 0, len(s.chains))
	for k, c := range s.chains {
		st := ChainStatus{
			Key:        k,
			Candidates: append([]PipelineCandidate(nil), c.candidates...),
			Current:    c.cursor,
		}
		for m := range c.failed {
			st.Failed = append(st.Failed, m)
		}
		slices.Sort(st.Failed)
		out = append(out, st)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.String() < out[j].Key.String()
	})
	return out
}
