package gateway

import (
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestToStatusCarriesPartialExecution(t *testing.T) {
	tests := []struct {
		name      string
		order     childOrder
		wantState OrderState
		wantQty   string // "" means Fill must be nil
	}{
		{
			name: "completed order carries the full fill",
			order: childOrder{
				ChildOrderAcceptanceID: "JRF-1",
				ChildOrderState:        "COMPLETED",
				ExecutedSize:           dec("0.01"),
				AveragePrice:           dec("10000000"),
			},
			wantState: OrderFilled,
			wantQty:   "0.01",
		},
		{
			name: "expired order keeps its partial execution",
			order: childOrder{
				ChildOrderAcceptanceID: "JRF-2",
				ChildOrderState:        "EXPIRED",
				ExecutedSize:           dec("0.03"),
				AveragePrice:           dec("9000000"),
			},
			wantState: OrderExpired,
			wantQty:   "0.03",
		},
		{
			name: "canceled order keeps its partial execution",
			order: childOrder{
				ChildOrderAcceptanceID: "JRF-3",
				ChildOrderState:        "CANCELED",
				ExecutedSize:           dec("0.004"),
				AveragePrice:           dec("9950000"),
			},
			wantState: OrderCanceled,
			wantQty:   "0.004",
		},
		{
			name: "canceled order with nothing executed has no fill",
			order: childOrder{
				ChildOrderAcceptanceID: "JRF-4",
				ChildOrderState:        "CANCELED",
			},
			wantState: OrderCanceled,
		},
		{
			name: "active order has no fill yet",
			order: childOrder{
				ChildOrderAcceptanceID: "JRF-5",
				ChildOrderState:        "ACTIVE",
				ExecutedSize:           dec("0.002"),
			},
			wantState: OrderActive,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := toStatus(tt.order)
			if st.State != tt.wantState {
				t.Fatalf("state = %s, want %s", st.State, tt.wantState)
			}
			if tt.wantQty == "" {
				if st.Fill != nil {
					t.Fatalf("fill = %+v, want nil", st.Fill)
				}
				return
			}
			if st.Fill == nil {
				t.Fatalf("fill is nil, executed size %s must not be discarded", tt.order.ExecutedSize)
			}
			if !st.Fill.Qty.Equal(dec(tt.wantQty)) {
				t.Fatalf("fill qty = %s, want %s", st.Fill.Qty, tt.wantQty)
			}
		})
	}
}

func TestPartialFillAccessor(t *testing.T) {
	fill := toStatus(childOrder{
		ChildOrderAcceptanceID: "JRF-1",
		ChildOrderState:        "EXPIRED",
		ExecutedSize:           dec("0.03"),
		AveragePrice:           dec("9000000"),
	})
	if pf := fill.PartialFill(); pf == nil || !pf.Qty.Equal(dec("0.03")) {
		t.Fatalf("partial fill = %+v, want executed 0.03", pf)
	}

	full := toStatus(childOrder{
		ChildOrderAcceptanceID: "JRF-2",
		ChildOrderState:        "COMPLETED",
		ExecutedSize:           dec("0.01"),
	})
	if full.PartialFill() != nil {
		t.Fatal("a completed order is not a partial fill")
	}
}
