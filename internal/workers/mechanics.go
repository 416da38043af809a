package workers

import "strings"

// Bonus mechanics are non-purchase accruals (gift points). Their expiry is
// governed by giftTtlDays, so the purchase TTL burn must skip them and the
// mechanic burn must target exactly them. bonusMechanicCond and
// isBonusMechanic classify the same set; keep them in sync.
const bonusMechanicCond = `(mechanic = 'registration_bonus'
       OR mechanic LIKE 'birthday:%'
       OR mechanic LIKE 'auto_return:%'
       OR mechanic LIKE 'complimentary:%')`

// purchaseLotCond selects plain purchase earns: tied to an order and not a
// bonus mechanic.
const purchaseLotCond = `order_id IS NOT NULL AND NOT ` + bonusMechanicCond

var bonusMechanicPrefixes = []string{"birthday:", "auto_return:", "complimentary:"}

func isBonusMechanic(mechanic string) bool {
	if mechanic == "registration_bonus" {
		return true
	}
	for _, p := range bonusMechanicPrefixes {
		if strings.HasPrefix(mechanic, p) {
			return true
		}
	}
	return false
}
