package matcher

import (
	"math/big"
	"sort"

	"github.com/akylbek/payment-system/link-verifier/internal/models"
)

// Pair binds a link to the ledger event that pays it.
type Pair struct {
	Link  models.PaymentLink
	Event models.LedgerEvent
}

// Match pairs every unbound Active link with the earliest eligible event.
// Events already in bound, or bound to one of links, are never reused, and
// links that already carry a reference are not match targets. The result does
// not depend on the order of links or events.
func Match(links []models.PaymentLink, events []models.LedgerEvent, currencies models.CurrencyTable, bound map[string]struct{}) []Pair {
	candidates := make([]models.LedgerEvent, len(events))
	copy(candidates, events)
	sort.SliceStable(candidates, func(i, j int) bool {
		return earlier(candidates[i], candidates[j])
	})

	targets := make([]models.PaymentLink, len(links))
	copy(targets, links)
	sort.SliceStable(targets, func(i, j int) bool {
		if !targets[i].CreatedAt.Equal(targets[j].CreatedAt) {
			return targets[i].CreatedAt.Before(targets[j].CreatedAt)
		}
		return targets[i].ID < targets[j].ID
	})

	used := make(map[string]struct{}, len(bound)+len(links))
	for ref := range bound {
		used[ref] = struct{}{}
	}
	for _, link := range links {
		if link.MatchedEventRef != "" {
			used[link.MatchedEventRef] = struct{}{}
		}
	}

	var pairs []Pair
	for _, link := range targets {
		if link.Status != models.StatusActive || link.MatchedEventRef != "" {
			continue
		}
		cur, ok := currencies[link.Currency]
		if !ok {
			continue
		}
		want, err := cur.ToRaw(link.Amount)
		if err != nil {
			continue
		}

		for _, ev := range candidates {
			if _, taken := used[ev.Ref()]; taken {
				continue
			}
			if !Eligible(link, cur, want, ev) {
				continue
			}
			used[ev.Ref()] = struct{}{}
			pairs = append(pairs, Pair{Link: link, Event: ev})
			break
		}
	}
	return pairs
}

// Eligible reports whether ev pays exactly want units of cur to the link's merchant.
func Eligible(link models.PaymentLink, cur models.Currency, want *big.Int, ev models.LedgerEvent) bool {
	if models.NormalizeAddress(ev.To) != models.NormalizeAddress(link.MerchantAddress) {
		return false
	}
	if cur.Native {
		if !ev.IsNative() {
			return false
		}
	} else if models.NormalizeAddress(ev.TokenContract) != models.NormalizeAddress(cur.Address) {
		return false
	}
	return ev.Value != nil && ev.Value.Cmp(want) == 0
}

func earlier(a, b models.LedgerEvent) bool {
	if a.BlockNumber != b.BlockNumber {
		return a.BlockNumber < b.BlockNumber
	}
	if a.TransactionHash != b.TransactionHash {
		return a.TransactionHash < b.TransactionHash
	}
	return a.LogIndex < b.LogIndex
}
