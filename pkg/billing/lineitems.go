// Package billing turns a day of usage events into invoice line items.
//
// Line items are always derived fresh from the immutable event log, so
// reconciling the same day twice yields the same output and nothing is
// counted twice.
package billing

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/systmms/tenantkeys/pkg/adapter"
	"github.com/systmms/tenantkeys/pkg/usage"
)

// DefaultAccountCode is the revenue account line items are booked to.
const DefaultAccountCode = "4000"

// DefaultThreshold drops groups whose total cost is below it. A group
// totalling exactly the threshold is billed.
var DefaultThreshold = decimal.RequireFromString("0.01")

var defaultComponentCodes = map[string]string{
	"hume":       "13-HUME",
	"elevenlabs": "14-ELEVENLABS",
	"openai":     "15-OPENAI",
	"anthropic":  "16-ANTHROPIC",
	"deepgram":   "17-DEEPGRAM",
}

// InvoiceLineItem is one billable line for a tenant and service.
type InvoiceLineItem struct {
	ComponentCode string          `json:"component_code"`
	Description   string          `json:"description"`
	Quantity      int64           `json:"quantity"`
	UnitAmount    decimal.Decimal `json:"unit_amount"`
	AccountCode   string          `json:"account_code"`
}

// TenantInvoice groups the line items billed to one tenant for one day.
type TenantInvoice struct {
	TenantID string            `json:"tenant_id"`
	Date     time.Time         `json:"date"`
	Items    []InvoiceLineItem `json:"items"`
	Total    decimal.Decimal   `json:"total"`
}

// Rules control how events become line items.
type Rules struct {
	Threshold      decimal.Decimal
	AccountCode    string
	ComponentCodes map[string]string
	ServiceNames   map[string]string
}

// DefaultRules returns the standard threshold, account and component codes.
func DefaultRules() Rules {
	codes := make(map[string]string, len(defaultComponentCodes))
	for k, v := range defaultComponentCodes {
		codes[k] = v
	}
	return Rules{
		Threshold:      DefaultThreshold,
		AccountCode:    DefaultAccountCode,
		ComponentCodes: codes,
		ServiceNames:   map[string]string{},
	}
}

// WithRegistry returns a copy of r that describes services by their
// registered display names.
func (r Rules) WithRegistry(registry *adapter.Registry) Rules {
	names := make(map[string]string, len(r.ServiceNames))
	for k, v := range r.ServiceNames {
		names[k] = v
	}
	for _, d := range registry.List() {
		if _, ok := names[d.ID]; !ok {
			names[d.ID] = d.ServiceName
		}
	}
	r.ServiceNames = names
	return r
}

// WithComponentCodes returns a copy of r with overrides layered over the
// existing codes.
func (r Rules) WithComponentCodes(overrides map[string]string) Rules {
	codes := make(map[string]string, len(r.ComponentCodes)+len(overrides))
	for k, v := range r.ComponentCodes {
		codes[k] = v
	}
	for k, v := range overrides {
		codes[strings.ToLower(k)] = v
	}
	r.ComponentCodes = codes
	return r
}

// ComponentCode maps a service to its billing component.
func (r Rules) ComponentCode(service string) string {
	if code, ok := r.ComponentCodes[strings.ToLower(service)]; ok {
		return code
	}
	return "99-" + strings.ToUpper(service)
}

func (r Rules) serviceName(service string) string {
	if name, ok := r.ServiceNames[service]; ok && name != "" {
		return name
	}
	return service
}

type group struct {
	tenantID string
	service  string
	calls    int64
	tokens   int64
	total    decimal.Decimal
}

// BuildLineItems aggregates events with the default rules.
func BuildLineItems(events []usage.Event, date time.Time) []TenantInvoice {
	return DefaultRules().BuildLineItems(events, date)
}

// BuildLineItems groups the events on date's UTC day by tenant and service.
// Events outside the day and repeated trace ids are ignored. Groups whose
// total is below the threshold are dropped. The result is sorted by tenant
// then component code.
func (r Rules) BuildLineItems(events []usage.Event, date time.Time) []TenantInvoice {
	invoices, _ := r.build(events, date)
	return invoices
}

func (r Rules) build(events []usage.Event, date time.Time) ([]TenantInvoice, int) {
	day := usage.Day(date)
	account := r.AccountCode
	if account == "" {
		account = DefaultAccountCode
	}

	seen := make(map[string]struct{}, len(events))
	groups := make(map[[2]string]*group)
	for _, ev := range events {
		if !ev.OnDay(day) {
			continue
		}
		if ev.TraceID != "" {
			if _, dup := seen[ev.TraceID]; dup {
				continue
			}
			seen[ev.TraceID] = struct{}{}
		}

		key := [2]string{ev.TenantID, ev.Service}
		g, ok := groups[key]
		if !ok {
			g = &group{tenantID: ev.TenantID, service: ev.Service}
			groups[key] = g
		}
		g.calls++
		g.tokens += ev.TokensUsed
		g.total = g.total.Add(ev.CostUSD)
	}

	excluded := 0
	byTenant := make(map[string]*TenantInvoice)
	for _, g := range groups {
		if g.total.LessThan(r.Threshold) {
			excluded++
			continue
		}
		inv, ok := byTenant[g.tenantID]
		if !ok {
			inv = &TenantInvoice{TenantID: g.tenantID, Date: day}
			byTenant[g.tenantID] = inv
		}
		inv.Items = append(inv.Items, InvoiceLineItem{
			ComponentCode: r.ComponentCode(g.service),
			Description:   fmt.Sprintf("%s - %d calls, %d tokens", r.serviceName(g.service), g.calls, g.tokens),
			Quantity:      g.calls,
			UnitAmount:    g.total.DivRound(decimal.NewFromInt(g.calls), 6),
			AccountCode:   account,
		})
		inv.Total = inv.Total.Add(g.total)
	}

	invoices := make([]TenantInvoice, 0, len(byTenant))
	for _, inv := range byTenant {
		sort.Slice(inv.Items, func(i, j int) bool {
			if inv.Items[i].ComponentCode != inv.Items[j].ComponentCode {
				return inv.Items[i].ComponentCode < inv.Items[j].ComponentCode
			}
			return inv.Items[i].Description < inv.Items[j].Description
		})
		invoices = append(invoices, *inv)
	}
	sort.Slice(invoices, func(i, j int) bool { return invoices[i].TenantID < invoices[j].TenantID })
	return invoices, excluded
}
