package registry

import (
	"math/rand"
	"time"
)

// Strategy decides which provider CallService calls.
type Strategy uint8

const (
	// StrategyFirst calls the first provider found: the local node when it
	// offers the service, otherwise the lowest named known peer, otherwise
	// the first peer to answer the refresh query
	StrategyFirst Strategy = iota

	// StrategyRandom picks a provider uniformly at random
	StrategyRandom

	// StrategyRoundRobin cycles through providers per service name
	StrategyRoundRobin
)

// String returns the string representation of Strategy.
func (s Strategy) String() string {
	switch s {
	case StrategyFirst:
		return "first"
	case StrategyRandom:
		return "random"
	case StrategyRoundRobin:
		return "round_robin"
	default:
		return "unknown"
	}
}

// ParseStrategy maps a configuration string to a Strategy. Unknown names
// fall back to StrategyFirst.
func ParseStrategy(s string) Strategy {
	switch s {
	case "random":
		return StrategyRandom
	case "round_robin":
		return StrategyRoundRobin
	default:
		return StrategyFirst
	}
}

type selector struct {
	rand   *rand.Rand
	cursor map[string]int
}

func newSelector() *selector {
	return &selector{
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
		cursor: make(map[string]int),
	}
}

// pick chooses one of providers, which must not be empty.
func (s *selector) pick(service string, providers []Provider, strategy Strategy) Provider {
	switch strategy {
	case StrategyRandom:
		return providers[s.rand.Intn(len(providers))]
	case StrategyRoundRobin:
		i := s.cursor[service]
		s.cursor[service] = i + 1
		return providers[i%len(providers)]
	default:
		return providers[0]
	}
}
