package api

import (
	"github.com/rsprolipsi/sigma-engine/generic"
	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// =============================================================================
// PRESENTATION - Locale formatting for display fields
// =============================================================================

// Presenter renders amounts for the back office, which reads pt-BR.
// Machine-readable fields stay in plain decimal notation.
type Presenter struct {
	printer *message.Printer
}

func NewPresenter(tag language.Tag) *Presenter {
	return &Presenter{printer: message.NewPrinter(tag)}
}

// DefaultPresenter formats for Brazilian Portuguese.
func DefaultPresenter() *Presenter {
	return NewPresenter(language.BrazilianPortuguese)
}

// Money renders an amount as "R$ 1.234,50".
func (p *Presenter) Money(a generic.Amount) MoneyDTO {
	unit, err := currency.ParseISO(string(a.Unit))
	if err != nil {
		unit = currency.BRL
	}
	rounded := a.Value.Round(generic.MoneyPlaces)
	return MoneyDTO{
		Amount:   rounded.StringFixed(generic.MoneyPlaces),
		Currency: string(a.Unit),
		Display:  p.printer.Sprint(currency.Symbol(unit.Amount(rounded.InexactFloat64()))),
	}
}

// Percent renders "6,81%".
func (p *Presenter) Percent(d decimal.Decimal) string {
	f, _ := d.Float64()
	return p.printer.Sprintf("%.2f%%", f)
}
