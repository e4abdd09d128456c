// Copyright 2025 Tetrate
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package authz

import (
	"strings"

	"github.com/jmazzahacks/api-gatekeeper/internal/store"
)

// Domain specificity ranks: an exact FQDN beats a subdomain wildcard, which
// beats the any-domain route.
const (
	domainAny = iota
	domainWildcard
	domainExact
)

// MatchRoute selects the best route for the given request domain and path
// from the repository's candidate set. The ordering is total: domain
// specificity first, then exact path over wildcard, then the longer wildcard
// prefix. Remaining ties break on the lexicographically smaller route id so
// the selection is deterministic.
func MatchRoute(candidates []store.Route, domain, path string) (store.Route, bool) {
	d := strings.ToLower(domain)

	var (
		best  store.Route
		found bool
	)
	for _, r := range candidates {
		if !pathMatches(r.Pattern, path) || !domainMatches(r.Domain, d) {
			continue
		}
		if !found || moreSpecific(r, best) {
			best = r
			found = true
		}
	}
	return best, found
}

// pathMatches reports whether the path matches the pattern: exact equality,
// or a `P/*` pattern where the path sits under `P/`. A wildcard never
// matches the bare prefix itself: `/a` does not match `/a/*`, while `/a/`
// and `/a/b` do.
func pathMatches(pattern, path string) bool {
	if strings.HasSuffix(pattern, "/*") {
		return strings.HasPrefix(path, strings.TrimSuffix(pattern, "*"))
	}
	return path == pattern
}

// domainMatches applies the route's domain rule to the lowercased request
// domain. An absent request domain only matches the any-domain route.
func domainMatches(routeDomain, domain string) bool {
	switch {
	case routeDomain == "*":
		return true
	case strings.HasPrefix(routeDomain, "*."):
		suffix := routeDomain[1:] // ".example.com"
		base := routeDomain[2:]
		return strings.HasSuffix(domain, suffix) && domain != base
	default:
		return domain == routeDomain
	}
}

func domainRank(routeDomain string) int {
	switch {
	case routeDomain == "*":
		return domainAny
	case strings.HasPrefix(routeDomain, "*."):
		return domainWildcard
	default:
		return domainExact
	}
}

// moreSpecific reports whether a ranks strictly above b in the matcher
// ordering, falling back to the smaller id on full ties.
func moreSpecific(a, b store.Route) bool {
	if ra, rb := domainRank(a.Domain), domainRank(b.Domain); ra != rb {
		return ra > rb
	}

	aWild, bWild := a.Wildcard(), b.Wildcard()
	if aWild != bWild {
		return !aWild // exact path beats wildcard
	}
	if aWild {
		if la, lb := len(a.Prefix()), len(b.Prefix()); la != lb {
			return la > lb // longer prefix wins
		}
	}

	return a.ID < b.ID
}
