package notifier

import (
	"fmt"
	"html"

	"pricewatch/internal/product"
)

// renderCrossing builds the minimal HTML payload for a crossing alert.
// Anything fancier (charts, images) belongs to an external renderer.
func renderCrossing(ev product.CrossingEvent) string {
	title := ev.Title
	if title == "" {
		title = ev.ProductID
	}
	return fmt.Sprintf(
		"🎯 <b>Target price reached!</b>\n\n"+
			"📦 <b>%s</b>\n\n"+
			"💰 Current: %s\n"+
			"🎯 Target: %s\n"+
			"📉 30-day low: %s\n\n"+
			"🔗 <a href=\"%s\">View product</a>",
		html.EscapeString(title),
		ev.CrossingPrice, ev.TargetPrice, ev.MinHistoric,
		ev.ExternalRef,
	)
}
