package notifier

import (
	"fmt"
	"html"
	"strings"
)

// FormatSwingAlert renders a batch of swing updates as an HTML chat message,
// grouped by timeframe in first-seen order.
func FormatSwingAlert(updates []SwingUpdate) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("📈 <b>New swings</b> (%d)\n", len(updates)))

	var order []string
	groups := make(map[string][]SwingUpdate)
	for _, u := range updates {
		if _, ok := groups[u.Timeframe]; !ok {
			order = append(order, u.Timeframe)
		}
		groups[u.Timeframe] = append(groups[u.Timeframe], u)
	}

	for _, tf := range order {
		b.WriteString(fmt.Sprintf("\n<b>%s</b>\n", html.EscapeString(tf)))
		for _, u := range groups[tf] {
			icon := "🔺"
			if u.Orientation == "low" {
				icon = "🔻"
			}
			b.WriteString(fmt.Sprintf("%s %s swing %s\n", icon, html.EscapeString(u.Instrument), u.Orientation))
		}
	}
	return b.String()
}
