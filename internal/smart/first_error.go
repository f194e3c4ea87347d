package smart

import (
	"sync"

	"github.com/zebiner/sector-doctor/internal/sector"
)

// FirstErrorOnly returns a parser for one-shot repairs. Its first
// successful parse pins Result.FirstError; that and every later parse
// report only the finding at the pinned address, so a session driven by it
// touches one sector. Pending counts and other findings are ignored.
//
// Each device needs its own parser.
func FirstErrorOnly() func(raw string) (*Result, error) {
	var (
		mu     sync.Mutex
		pinned bool
		target sector.Address
	)
	return func(raw string) (*Result, error) {
		res, err := Parse(raw)
		if err != nil {
			return nil, err
		}

		mu.Lock()
		if !pinned {
			pinned = true
			target = res.FirstError
		}
		addr := target
		mu.Unlock()

		kept := make([]Finding, 0, 1)
		for _, f := range res.Findings {
			if addr != 0 && f.Address == addr {
				kept = append(kept, f)
			}
		}
		res.Findings = kept
		return res, nil
	}
}
