// Package routing maps an incoming request path to a candidate channel and
// a credential, applying the route group's selection strategy and the
// failover exclusion set (spec.md §3 "Route group" / §4.C).
package routing

import (
	"sort"
	"strings"
	"sync"

	"github.com/outpostrun/aigateway/internal/channel"
	"github.com/outpostrun/aigateway/internal/config"
)

// group is one compiled route: a literal-or-wildcard path pattern plus the
// ordered channel list and strategy it was declared with.
type group struct {
	pattern  string
	channels []string
	strategy config.Strategy
}

// Table is the router's immutable-per-epoch state: the compiled route
// groups in declaration order, the live channel map, and the round-robin
// cursors keyed by pool identity (spec.md §9 "cursor keyed by pool
// identity"). A Table is swapped wholesale on reload (Update); in-flight
// requests holding a reference to the old Table keep running against it.
type Table struct {
	groups   []group
	channels map[string]*channel.Channel

	cursorMu sync.Mutex
	cursors  map[string]int
}

// New compiles routes against channels. Both must already be validated
// (config.Load does this); New itself never errors.
func New(routes []config.Route, channels map[string]*channel.Channel) *Table {
	t := &Table{
		channels: channels,
		cursors:  make(map[string]int),
	}
	for _, r := range routes {
		t.groups = append(t.groups, group{pattern: r.Path, channels: r.Channels, strategy: r.Strategy})
	}
	return t
}

// Update atomically replaces the channel map and route list. Callers swap
// their held *Table pointer for the result; the old Table (and anything
// still reading it) is left untouched, per spec.md §5's hot-reload model.
func Update(routes []config.Route, channels map[string]*channel.Channel) *Table {
	return New(routes, channels)
}

// Resolve selects the best candidate channel and credential for path, with
// no exclusions.
func (t *Table) Resolve(path string) (*channel.Channel, string, int, bool) {
	return t.ResolveNext(path, nil)
}

// ResolveNext is Resolve restricted to channels whose name is not in
// excluded. It is the only routing primitive used during failover
// (spec.md §4.C): the router itself never iterates across channels on a
// missing-credential outcome — that is the retry controller's job.
func (t *Table) ResolveNext(path string, excluded map[string]bool) (*channel.Channel, string, int, bool) {
	g, ok := t.match(path)
	if !ok {
		g = t.defaultGroup()
	}

	candidates := t.candidates(g, excluded)
	pool := filterAvailable(candidates, true)
	if len(pool) == 0 {
		pool = filterAvailable(candidates, false) // enabled && fallback last resort
	}
	if len(pool) == 0 {
		return nil, "", 0, false
	}

	ch := t.selectFrom(g, pool)
	if ch == nil {
		return nil, "", 0, false
	}
	key, idx, ok := ch.PickKey()
	if !ok {
		return nil, "", 0, false
	}
	return ch, key, idx, true
}

func (t *Table) candidates(g group, excluded map[string]bool) []*channel.Channel {
	out := make([]*channel.Channel, 0, len(g.channels))
	for _, name := range g.channels {
		if excluded != nil && excluded[name] {
			continue
		}
		if ch, ok := t.channels[name]; ok {
			out = append(out, ch)
		}
	}
	return out
}

// filterAvailable returns, from candidates, either the fully-available set
// (strict) or the degraded enabled&&fallback set (the last-resort pool).
func filterAvailable(candidates []*channel.Channel, strict bool) []*channel.Channel {
	out := make([]*channel.Channel, 0, len(candidates))
	for _, ch := range candidates {
		if strict {
			if ch.IsAvailable() {
				out = append(out, ch)
			}
		} else if ch.Enabled && ch.Fallback {
			out = append(out, ch)
		}
	}
	return out
}

// match returns the first declared route group whose pattern matches path.
func (t *Table) match(path string) (group, bool) {
	for _, g := range t.groups {
		if patternMatch(g.pattern, path) {
			return g, true
		}
	}
	return group{}, false
}

// defaultGroup is the synthetic fallback of every configured channel under
// the priority strategy, used when no route group matches (spec.md §3).
func (t *Table) defaultGroup() group {
	names := make([]string, 0, len(t.channels))
	for name := range t.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return group{pattern: "**", channels: names, strategy: config.StrategyPriority}
}

// patternMatch implements the two wildcard forms from spec.md §3:
//
//	"prefix/**" matches "prefix" itself or any descendant path.
//	"prefix/*"  matches exactly one more path segment.
//	a literal path matches only itself.
func patternMatch(pattern, path string) bool {
	switch {
	case strings.HasSuffix(pattern, "/**"):
		base := strings.TrimSuffix(pattern, "/**")
		return path == base || strings.HasPrefix(path, base+"/")
	case strings.HasSuffix(pattern, "/*"):
		base := strings.TrimSuffix(pattern, "/*")
		rest := strings.TrimPrefix(path, base+"/")
		return strings.HasPrefix(path, base+"/") && !strings.Contains(rest, "/")
	default:
		return pattern == path
	}
}

func (t *Table) selectFrom(g group, pool []*channel.Channel) *channel.Channel {
	switch g.strategy {
	case config.StrategyRoundRobin:
		return t.selectRoundRobin(g, pool)
	case config.StrategyLowestLatency:
		return selectLowestLatency(pool)
	default: // priority
		return selectPriority(pool)
	}
}

// selectPriority sorts by (fallback asc, weight desc), ties broken by the
// pool's existing (declaration) order.
func selectPriority(pool []*channel.Channel) *channel.Channel {
	sorted := append([]*channel.Channel(nil), pool...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Fallback != sorted[j].Fallback {
			return !sorted[i].Fallback // non-fallback first
		}
		return sorted[i].Weight > sorted[j].Weight
	})
	return sorted[0]
}

// selectLowestLatency picks the channel with the smallest non-null last
// latency; channels with no observed latency sort last.
func selectLowestLatency(pool []*channel.Channel) *channel.Channel {
	var best *channel.Channel
	var bestLatency *int64
	for _, ch := range pool {
		l := ch.Latency()
		if l == nil {
			continue
		}
		ms := l.Milliseconds()
		if bestLatency == nil || ms < *bestLatency {
			bestLatency = &ms
			best = ch
		}
	}
	if best != nil {
		return best
	}
	return pool[0]
}

// selectRoundRobin maintains a cursor keyed by the pool's channel-name
// list joined by comma, so changing which channels make up the pool resets
// the cursor (spec.md §9, accepted tradeoff).
func (t *Table) selectRoundRobin(g group, pool []*channel.Channel) *channel.Channel {
	key := poolIdentity(pool)

	t.cursorMu.Lock()
	idx := t.cursors[key] % len(pool)
	t.cursors[key] = (t.cursors[key] + 1) % len(pool)
	t.cursorMu.Unlock()

	return pool[idx]
}

func poolIdentity(pool []*channel.Channel) string {
	names := make([]string, len(pool))
	for i, ch := range pool {
		names[i] = ch.Name
	}
	return strings.Join(names, ",")
}
