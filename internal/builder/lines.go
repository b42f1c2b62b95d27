package builder

import (
	"fmt"
	"strings"

	"kds-service/internal/models"
)

// lineKey identifies an order line that arrived without its own id
func lineKey(menuItemID, name string) string {
	return strings.ToLower(strings.TrimSpace(menuItemID)) + "\x00" + strings.ToLower(strings.TrimSpace(name))
}

// assignSourceIDs returns the source order item id of every inbound item.
//
// Items carrying an order_item_id keep it. Items without one are matched to
// lines already ticketed for the same order by menu item and name, or by name
// alone when the event omits the menu item, so a later event that lists a
// subset of the order still reaches the right lines. Each ticketed line is
// claimed at most once and identical lines are claimed before changed ones.
// Items left unmatched get a fresh id no ticketed line uses.
//
// eligible, when set, limits which ticketed lines may be claimed.
func assignSourceIDs(orderID string, items []models.OrderItemData, tickets []models.Ticket, eligible func(models.TicketItem) bool) []string {
	prefix := orderID + "#"
	taken := make(map[string]bool)
	listed := make(map[string]bool)
	candidates := make(map[string][]models.TicketItem)
	byName := make(map[string][]models.TicketItem)

	for _, t := range tickets {
		for _, it := range t.Items {
			src := it.SourceOrderItemID
			taken[src] = true
			if listed[src] || !strings.HasPrefix(src, prefix) || (eligible != nil && !eligible(it)) {
				continue
			}
			listed[src] = true
			k := lineKey(it.MenuItemID, it.Name)
			candidates[k] = append(candidates[k], it)
			n := lineKey("", it.Name)
			byName[n] = append(byName[n], it)
		}
	}

	out := make([]string, len(items))
	for i, d := range items {
		if d.OrderItemID != "" {
			out[i] = d.OrderItemID
			taken[d.OrderItemID] = true
		}
	}

	claimed := make(map[string]bool)
	for _, exact := range []bool{true, false} {
		for i, d := range items {
			if out[i] != "" {
				continue
			}
			pool := candidates[lineKey(d.MenuItemID, d.Name)]
			if strings.TrimSpace(d.MenuItemID) == "" {
				pool = byName[lineKey("", d.Name)]
			}
			for _, c := range pool {
				if claimed[c.SourceOrderItemID] || (exact && itemChanged(c, d)) {
					continue
				}
				claimed[c.SourceOrderItemID] = true
				out[i] = c.SourceOrderItemID
				break
			}
		}
	}

	for i, d := range items {
		if out[i] != "" {
			continue
		}
		base := d.SourceID(orderID, i)
		id := base
		for n := 1; taken[id]; n++ {
			id = fmt.Sprintf("%s.%d", base, n)
		}
		taken[id] = true
		out[i] = id
	}
	return out
}

// unticketed drops items that already sit on a bumped ticket of the partition's
// station and course. With allowUpdate, a line that changed and is not finished
// is kept so it fires again. Lines present on the active ticket are kept for upsertItems.
func unticketed(tickets []models.Ticket, active *models.Ticket, p *partition, allowUpdate bool) []routedItem {
	var out []routedItem
	for _, ri := range p.items {
		if active != nil && active.ItemBySource(ri.sourceID) != nil {
			out = append(out, ri)
			continue
		}
		prior := bumpedLine(tickets, p.stationID, p.course, ri.sourceID)
		if prior != nil && (!allowUpdate || prior.Status.Terminal() || !itemChanged(*prior, ri.data)) {
			continue
		}
		out = append(out, ri)
	}
	return out
}

func bumpedLine(tickets []models.Ticket, stationID string, course int, sourceID string) *models.TicketItem {
	for i := range tickets {
		t := &tickets[i]
		if t.Status.Active() || t.StationID != stationID || t.CourseNumber != course {
			continue
		}
		if it := t.ItemBySource(sourceID); it != nil {
			return it
		}
	}
	return nil
}
