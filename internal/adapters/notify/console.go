package notify

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/alejandrodnm/quadmarket/internal/domain"
)

// Console implementa ports.Notifier escribiendo a stdout.
type Console struct {
	out   io.Writer
	table bool
}

// NewConsole crea un notificador que escribe a stdout.
func NewConsole(table bool) *Console {
	return &Console{out: os.Stdout, table: table}
}

// NewConsoleWriter crea un notificador para tests.
func NewConsoleWriter(w io.Writer, table bool) *Console {
	return &Console{out: w, table: table}
}

// NotifyTick imprime el resumen de un batch: fills, eventos y el estado
// por outcome.
func (c *Console) NotifyTick(_ context.Context, tickID int64, st *domain.EngineState, fills []domain.Fill, events []domain.Event) error {
	now := time.Now().Format("15:04:05")
	rejected := 0
	for _, ev := range events {
		if ev.Type == domain.EventOrderRejected {
			rejected++
		}
	}
	fmt.Fprintf(c.out, "[%s] tick %d → fills:%d events:%d rejected:%d\n",
		now, tickID, len(fills), len(events), rejected)

	if !c.table {
		return nil
	}
	c.printState(st)
	if len(fills) > 0 {
		c.printFills(fills)
	}
	return nil
}

// NotifyResolution imprime los eventos de una ronda de resolución.
func (c *Console) NotifyResolution(_ context.Context, st *domain.EngineState, events []domain.Event) error {
	now := time.Now().Format("15:04:05")
	for _, ev := range events {
		fmt.Fprintf(c.out, "[%s] %s outcome:%d amount:%s\n", now, ev.Type, ev.Outcome, ev.Amount)
	}
	if c.table {
		c.printState(st)
	}
	return nil
}

// printState imprime la tabla por outcome: precios, colateral y oferta.
func (c *Console) printState(st *domain.EngineState) {
	table := tablewriter.NewWriter(c.out)
	table.Header("#", "Outcome", "Active", "p_yes", "p_no", "V", "L", "q_yes", "q_no", "virtual")

	for _, b := range st.Binaries {
		active := "yes"
		if !b.Active {
			active = "no"
		}
		table.Append(
			fmt.Sprintf("%d", b.Index),
			b.Name,
			active,
			b.Price(domain.SideYes).StringFixed(4),
			b.Price(domain.SideNo).StringFixed(4),
			b.Collateral.StringFixed(2),
			b.Liquidity.StringFixed(2),
			b.QYes.StringFixed(2),
			b.QNo.StringFixed(2),
			b.VirtualYes.StringFixed(2),
		)
	}
	table.Render()
}

// printFills imprime la tabla de fills del tick.
func (c *Console) printFills(fills []domain.Fill) {
	table := tablewriter.NewWriter(c.out)
	table.Header("Type", "Outcome", "Side", "Size", "Price", "Fee", "Buyer", "Seller")

	for _, f := range fills {
		price := f.Price.StringFixed(4)
		if f.Type == domain.FillCrossMatch {
			price = fmt.Sprintf("Y:%s N:%s", f.PriceYes.StringFixed(2), f.PriceNo.StringFixed(2))
		}
		table.Append(string(f.Type), fmt.Sprintf("%d", f.Outcome), string(f.Side),
			f.Size.StringFixed(2), price, f.Fee.StringFixed(4), f.BuyerID, f.SellerID)
	}
	table.Render()
}
