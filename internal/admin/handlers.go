package admin

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/jszwec/csvutil"

	"pricewatch/internal/product"
	logx "pricewatch/pkg/logx"
)

type summary struct {
	Products      int            `json:"products"`
	ByStatus      map[string]int `json:"by_status"`
	ByOwner       map[int64]int  `json:"by_owner"`
	LastTick      any            `json:"last_tick,omitempty"`
	GeneratedAt   time.Time      `json:"generated_at"`
	Notifications int            `json:"recent_notifications"`
}

func (s *Service) handleSummary(w http.ResponseWriter, r *http.Request) {
	items := s.reg.List()
	out := summary{
		Products:    len(items),
		ByStatus:    map[string]int{},
		ByOwner:     map[int64]int{},
		GeneratedAt: time.Now(),
	}
	for _, p := range items {
		out.ByStatus[string(p.Status)]++
		out.ByOwner[p.OwnerID]++
	}
	out.Notifications = len(s.notify.History())
	s.mu.Lock()
	out.LastTick = s.lastTick
	s.mu.Unlock()
	s.writeJSON(w, out)
}

func (s *Service) handleProducts(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.reg.List())
}

// productRow flattens a tracked product for CSV export; history is reduced
// to its size.
type productRow struct {
	ID             string `csv:"id"`
	Owner          int64  `csv:"owner"`
	Title          string `csv:"title"`
	Status         string `csv:"status"`
	TargetPrice    string `csv:"target_price"`
	CurrentPrice   string `csv:"current_price"`
	MinHistoric    string `csv:"min_30d"`
	AllTimeMin     string `csv:"all_time_min"`
	HistoryPoints  int    `csv:"history_points"`
	Attempts       int    `csv:"attempts"`
	LastCheckedAt  string `csv:"last_checked_at"`
	NextEligibleAt string `csv:"next_eligible_at"`
	CheckFrequency string `csv:"check_frequency"`
	PausedReason   string `csv:"paused_reason"`
	Epoch          int64  `csv:"crossing_epoch"`
	ExternalRef    string `csv:"external_ref"`
}

func (s *Service) handleProductsCSV(w http.ResponseWriter, r *http.Request) {
	items := s.reg.List()
	rows := make([]productRow, 0, len(items))
	for _, p := range items {
		rows = append(rows, productRow{
			ID:             p.ID,
			Owner:          p.OwnerID,
			Title:          p.Title,
			Status:         string(p.Status),
			TargetPrice:    p.TargetPrice.String(),
			CurrentPrice:   priceOrEmpty(p.CurrentPrice),
			MinHistoric:    priceOrEmpty(p.MinHistoricPrice),
			AllTimeMin:     priceOrEmpty(p.AllTimeMinPrice),
			HistoryPoints:  len(p.PriceHistory),
			Attempts:       p.Attempts,
			LastCheckedAt:  timeOrEmpty(p.LastCheckedAt),
			NextEligibleAt: timeOrEmpty(p.NextEligibleAt),
			CheckFrequency: p.CheckFrequency.String(),
			PausedReason:   p.PausedReason,
			Epoch:          p.CrossingEpoch,
			ExternalRef:    p.ExternalRef,
		})
	}
	data, err := csvutil.Marshal(rows)
	if err != nil {
		http.Error(w, "export failed", http.StatusInternalServerError)
		s.log.Error("csv export failed", logx.Err(err))
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="products.csv"`)
	_, _ = w.Write(data)
}

func (s *Service) handleNotifications(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.notify.History())
}

func (s *Service) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		s.log.Error("json encode failed", logx.Err(err))
	}
}

func priceOrEmpty(c product.Cents) string {
	if c <= 0 {
		return ""
	}
	return c.String()
}

func timeOrEmpty(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
