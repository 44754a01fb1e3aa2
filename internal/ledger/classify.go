package ledger

import (
	"fmt"

	"chartsync/internal/model"
)

// Classify maps a trade to its mark category from the shape of its letter.
//
//   - one character without image: the viewer's own trade
//   - one character with image: a tracked-wallet trade
//   - two characters prefixed S, D or I: sniper, developer, insider
//   - anything else: other
func Classify(trade model.Trade) model.MarkCategory {
	switch len(trade.Letter) {
	case 1:
		if trade.ImageURL == "" {
			return model.CategoryMyTrades
		}
		return model.CategoryTrackedTrades
	case 2:
		switch trade.Letter.Prefix() {
		case 'S':
			return model.CategorySniperTrades
		case 'D':
			return model.CategoryDevTrades
		case 'I':
			return model.CategoryInsiderTrades
		}
	}
	return model.CategoryOtherTrades
}

type markStyle struct {
	who   string
	label string
	color string
}

const (
	colorBuy       = "#22c55e"
	colorSell      = "#ef4444"
	colorTracked   = "#a855f7"
	colorSniper    = "#f59e0b"
	colorDev       = "#3b82f6"
	colorInsider   = "#ec4899"
	colorOther     = "#6b7280"
	labelFontColor = "#ffffff"
)

func (l *Ledger) style(trade model.Trade, category model.MarkCategory) markStyle {
	side := trade.Letter.Side()
	switch category {
	case model.CategoryMyTrades:
		color := colorBuy
		if side == model.SideSell {
			color = colorSell
		}
		return markStyle{who: "You", label: string(trade.Letter), color: color}
	case model.CategoryTrackedTrades:
		color := trade.Colour
		if color == "" {
			color = colorTracked
		}
		return markStyle{who: l.displayName(trade), label: string(trade.Letter), color: color}
	case model.CategorySniperTrades:
		return markStyle{who: "Sniper", label: "S", color: colorSniper}
	case model.CategoryDevTrades:
		return markStyle{who: "Developer", label: "D", color: colorDev}
	case model.CategoryInsiderTrades:
		return markStyle{who: "Insider", label: "I", color: colorInsider}
	}

	label := "O"
	if trade.Letter != "" {
		label = string(trade.Letter[:1])
	}
	color := trade.Colour
	if color == "" {
		color = colorOther
	}
	return markStyle{who: l.displayName(trade), label: label, color: color}
}

// displayName prefers the trade's own name, then the tracked-wallet lookup,
// then a shortened wallet address.
func (l *Ledger) displayName(trade model.Trade) string {
	if trade.Name != "" {
		return trade.Name
	}
	if name, ok := l.cfg.TrackedWallets[trade.Wallet]; ok && name != "" {
		return name
	}
	return shortWallet(trade.Wallet)
}

func shortWallet(w string) string {
	if len(w) <= 10 {
		if w == "" {
			return "Unknown"
		}
		return w
	}
	return w[:4] + "..." + w[len(w)-4:]
}

func verb(side model.Side) string {
	switch side {
	case model.SideBuy:
		return "bought"
	case model.SideSell:
		return "sold"
	}
	return "traded"
}

func priceText(trade model.Trade) string {
	if trade.PriceUSD != "" {
		return fmt.Sprintf("$%s", trade.PriceUSD)
	}
	return fmt.Sprintf("%s SOL", trade.Price)
}
