package coordinator

import "strconv"

// State is one step of the per-request cache-aside machine.
type State int

const (
	Authenticating State = iota
	KeyDerivation
	CacheLookup
	Coalescing
	Fetching
	Uncached

	// terminal
	Unauthorized
	Serving
	Failed
)

var stateNames = [...]string{
	Authenticating: "authenticating",
	KeyDerivation:  "key_derivation",
	CacheLookup:    "cache_lookup",
	Coalescing:     "coalescing",
	Fetching:       "fetching",
	Uncached:       "uncached",
	Unauthorized:   "unauthorized",
	Serving:        "serving",
	Failed:         "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

func (s State) Terminal() bool {
	return s == Unauthorized || s == Serving || s == Failed
}

// CacheStatus says where a served body came from.
type CacheStatus string

const (
	StatusHit    CacheStatus = "hit"
	StatusMiss   CacheStatus = "miss"
	StatusBypass CacheStatus = "bypass"
)
