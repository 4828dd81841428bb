package migration

import (
	"sort"

	"github.com/branchops/impact/internal/api"
)

// highest returns the highest-tier ticket in purchases, ok=false if none is known
func highest(purchases []api.TicketType) (api.TicketType, bool) {
	best, found := api.TicketType(""), false
	for _, t := range purchases {
		if t.Tier() < 0 {
			continue
		}
		if !found || t.Tier() > best.Tier() {
			best, found = t, true
		}
	}
	return best, found
}

// TrackTickets counts customers whose highest purchased tier rose between the
// comparison window (before) and the intervention window (after).
// UpgradeRate is relative to all comparison-window holders of FromTicket.
func TrackTickets(before, after map[string][]api.TicketType) []api.TicketUpgrade {
	type pair struct{ from, to api.TicketType }
	holders := make(map[api.TicketType]int)
	counts := make(map[pair]int)

	for id, bought := range before {
		from, ok := highest(bought)
		if !ok {
			continue
		}
		holders[from]++

		to, ok := highest(after[id])
		if !ok || to.Tier() <= from.Tier() {
			continue
		}
		counts[pair{from, to}]++
	}

	out := make([]api.TicketUpgrade, 0, len(counts))
	for p, n := range counts {
		out = append(out, upgrade(p.from, p.to, n, holders[p.from]))
	}
	SortUpgrades(out)
	return out
}

func upgrade(from, to api.TicketType, count, holders int) api.TicketUpgrade {
	u := api.TicketUpgrade{FromTicket: from, ToTicket: to, Count: count, FromTicketHolders: holders}
	if holders > 0 {
		u.UpgradeRate = float64(count) / float64(holders)
	}
	return u
}

// SortUpgrades orders upgrades by source then target tier
func SortUpgrades(us []api.TicketUpgrade) {
	sort.Slice(us, func(i, j int) bool {
		if us[i].FromTicket != us[j].FromTicket {
			return us[i].FromTicket.Tier() < us[j].FromTicket.Tier()
		}
		return us[i].ToTicket.Tier() < us[j].ToTicket.Tier()
	})
}

// MergeUpgrades sums counts and holders across branches and recomputes rates.
// Holders of a tier are counted once per branch even when that branch reports
// several upgrades out of the same tier.
func MergeUpgrades(lists ...[]api.TicketUpgrade) []api.TicketUpgrade {
	type pair struct{ from, to api.TicketType }
	counts := make(map[pair]int)
	holders := make(map[api.TicketType]int)
	for _, list := range lists {
		branchHolders := make(map[api.TicketType]int)
		for _, u := range list {
			counts[pair{u.FromTicket, u.ToTicket}] += u.Count
			branchHolders[u.FromTicket] = u.FromTicketHolders
		}
		for t, n := range branchHolders {
			holders[t] += n
		}
	}

	out := make([]api.TicketUpgrade, 0, len(counts))
	for p, n := range counts {
		out = append(out, upgrade(p.from, p.to, n, holders[p.from]))
	}
	SortUpgrades(out)
	return out
}

// TotalUpgrades sums Count over all upgrades
func TotalUpgrades(us []api.TicketUpgrade) int {
	total := 0
	for _, u := range us {
		total += u.Count
	}
	return total
}
