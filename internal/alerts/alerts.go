// Package alerts emits structured operational alerts for the arena engine
// and fans them out to registered webhook endpoints (Slack, Discord,
// PagerDuty-compatible sinks), keeping an in-memory history for the admin
// dashboard to poll.
package alerts

import (
	"bytes"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"
)

// AlertType enumerates the operational conditions this engine raises
// alerts for, per spec.md §7.
type AlertType string

const (
	TypeStuckLobby          AlertType = "stuck_lobby"
	TypeLowGasBalance       AlertType = "low_gas_balance"
	TypeRefundExhausted     AlertType = "refund_exhausted" // MANUAL INTERVENTION REQUIRED
	TypeMatchRecovered      AlertType = "match_recovered"
	TypePayoutFailed        AlertType = "payout_failed"
	TypeMatchCompleted      AlertType = "match_completed"
	TypeChainRetryExhausted AlertType = "chain_retry_exhausted"
)

// Severity levels, ordered low to high.
const (
	SeverityInfo     = "info"
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Alert is a structured operational event. Unlike the teacher's
// transaction-forensics Alert (TxID/Assessment/Hits), the identifying
// fields here are lobby/match entities.
type Alert struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Severity    string    `json:"severity"`
	AlertType   AlertType `json:"alertType"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	LobbyID     int       `json:"lobbyId,omitempty"`
	MatchID     string    `json:"matchId,omitempty"`
	Detail      string    `json:"detail,omitempty"`
}

// WebhookEndpoint is a registered webhook receiver.
type WebhookEndpoint struct {
	Name        string            `json:"name"`
	URL         string            `json:"url"`
	Enabled     bool              `json:"enabled"`
	Headers     map[string]string `json:"headers,omitempty"`
	MinSeverity string            `json:"minSeverity"`
}

// Manager handles alert emission, history, and webhook delivery.
type Manager struct {
	mu           sync.RWMutex
	webhooks     []WebhookEndpoint
	recentAlerts []Alert
	maxHistory   int
	httpClient   *http.Client
	broadcast    func(Alert)
	seq          int64
}

// NewManager creates an alert manager. broadcastFn, if non-nil, is called
// synchronously for every emitted alert (used to push onto the admin
// WebSocket feed); it must not block.
func NewManager(broadcastFn func(Alert)) *Manager {
	return &Manager{
		webhooks:     make([]WebhookEndpoint, 0),
		recentAlerts: make([]Alert, 0),
		maxHistory:   1000,
		httpClient:   &http.Client{Timeout: 5 * time.Second},
		broadcast:    broadcastFn,
	}
}

// RegisterWebhook adds a webhook endpoint.
func (m *Manager) RegisterWebhook(name, url, minSeverity string, headers map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.webhooks = append(m.webhooks, WebhookEndpoint{
		Name:        name,
		URL:         url,
		Enabled:     true,
		Headers:     headers,
		MinSeverity: minSeverity,
	})
	log.Printf("[alerts] registered webhook: %s -> %s (min: %s)", name, url, minSeverity)
}

// RemoveWebhook removes a webhook by name.
func (m *Manager) RemoveWebhook(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, wh := range m.webhooks {
		if wh.Name == name {
			m.webhooks = append(m.webhooks[:i], m.webhooks[i+1:]...)
			return
		}
	}
}

// Emit processes and distributes an alert: history, dashboard broadcast,
// and filtered async webhook fan-out.
func (m *Manager) Emit(a Alert) {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}
	if a.Severity == "" {
		a.Severity = SeverityInfo
	}

	m.mu.Lock()
	m.seq++
	a.ID = generateAlertID(a, m.seq)
	m.recentAlerts = append(m.recentAlerts, a)
	if len(m.recentAlerts) > m.maxHistory {
		m.recentAlerts = m.recentAlerts[len(m.recentAlerts)-m.maxHistory:]
	}
	webhooks := make([]WebhookEndpoint, len(m.webhooks))
	copy(webhooks, m.webhooks)
	m.mu.Unlock()

	if m.broadcast != nil {
		m.broadcast(a)
	}

	for _, wh := range webhooks {
		if !wh.Enabled {
			continue
		}
		if !severityMeetsThreshold(a.Severity, wh.MinSeverity) {
			continue
		}
		go m.sendWebhook(wh, a)
	}

	log.Printf("[alert] [%s] %s: %s (lobby=%d match=%s)", a.Severity, a.AlertType, a.Title, a.LobbyID, a.MatchID)
}

// StuckLobby emits a low-severity alert for a lobby that has stayed in
// waiting or in_progress for too long since its first join (spec.md §4.3).
func (m *Manager) StuckLobby(lobbyID int, waitedFor time.Duration) {
	m.Emit(Alert{
		Severity:    SeverityLow,
		AlertType:   TypeStuckLobby,
		Title:       "Lobby stuck",
		Description: "Lobby has stayed in waiting or in_progress past the stuck-lobby threshold since its first join.",
		LobbyID:     lobbyID,
		Detail:      waitedFor.String(),
	})
}

// LowGasBalance emits a high-severity alert when a hot wallet's native gas
// balance falls below the configured floor.
func (m *Manager) LowGasBalance(walletAddr string, balance string) {
	m.Emit(Alert{
		Severity:    SeverityHigh,
		AlertType:   TypeLowGasBalance,
		Title:       "Hot wallet gas balance low",
		Description: "Wallet may be unable to submit further on-chain transactions.",
		Detail:      walletAddr + ": " + balance,
	})
}

// RefundExhausted emits a critical MANUAL INTERVENTION REQUIRED alert when
// automated refund retries for a lobby player have been exhausted.
func (m *Manager) RefundExhausted(lobbyID int, userID string, lastErr error) {
	detail := ""
	if lastErr != nil {
		detail = lastErr.Error()
	}
	m.Emit(Alert{
		Severity:    SeverityCritical,
		AlertType:   TypeRefundExhausted,
		Title:       "MANUAL INTERVENTION REQUIRED: refund exhausted",
		Description: "Automated refund retries for a lobby player have been exhausted; funds are stranded pending operator action.",
		LobbyID:     lobbyID,
		Detail:      userID + ": " + detail,
	})
}

// MatchRecovered emits an info alert when startup recovery resolves a match
// interrupted by a crash, either as finished (payout found on chain) or as
// void with a refund; the match is not resumed (spec.md §4.2 recovery path).
func (m *Manager) MatchRecovered(matchID string, tick int64) {
	m.Emit(Alert{
		Severity:    SeverityInfo,
		AlertType:   TypeMatchRecovered,
		Title:       "Interrupted match resolved on restart",
		Description: "Match interrupted by an unclean shutdown was settled as finished or void.",
		MatchID:     matchID,
		Detail:      "tick=" + itoa(tick),
	})
}

// PayoutFailed emits a high-severity alert when a settlement payout
// transaction fails after exhausting its retry budget.
func (m *Manager) PayoutFailed(matchID, userID string, lastErr error) {
	detail := ""
	if lastErr != nil {
		detail = lastErr.Error()
	}
	m.Emit(Alert{
		Severity:    SeverityHigh,
		AlertType:   TypePayoutFailed,
		Title:       "Payout failed",
		Description: "A settlement payout did not complete after exhausting retries.",
		MatchID:     matchID,
		Detail:      userID + ": " + detail,
	})
}

// MatchCompleted emits an info alert summarizing a settled match.
func (m *Manager) MatchCompleted(matchID, winnerUserID string) {
	m.Emit(Alert{
		Severity:    SeverityInfo,
		AlertType:   TypeMatchCompleted,
		Title:       "Match completed",
		Description: "Match settled and payouts dispatched.",
		MatchID:     matchID,
		Detail:      "winner=" + winnerUserID,
	})
}

// ChainRetryExhausted emits a high-severity alert aggregating repeated
// on-chain call failures past the retry budget (spec.md §5 error
// classification policy).
func (m *Manager) ChainRetryExhausted(operation string, attempts int, lastErr error) {
	detail := ""
	if lastErr != nil {
		detail = lastErr.Error()
	}
	m.Emit(Alert{
		Severity:    SeverityHigh,
		AlertType:   TypeChainRetryExhausted,
		Title:       "Chain operation exhausted retries",
		Description: "An on-chain call (" + operation + ") failed after its full retry budget.",
		Detail:      "attempts=" + itoa(int64(attempts)) + " err=" + detail,
	})
}

// Recent returns the most recent alerts, newest first.
func (m *Manager) Recent(limit int) []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.recentAlerts) {
		limit = len(m.recentAlerts)
	}
	start := len(m.recentAlerts) - limit
	result := make([]Alert, limit)
	for i := 0; i < limit; i++ {
		result[i] = m.recentAlerts[start+limit-1-i]
	}
	return result
}

// BySeverity returns history alerts at or above the given severity.
func (m *Manager) BySeverity(minSeverity string) []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var filtered []Alert
	for _, a := range m.recentAlerts {
		if severityMeetsThreshold(a.Severity, minSeverity) {
			filtered = append(filtered, a)
		}
	}
	return filtered
}

func (m *Manager) sendWebhook(wh WebhookEndpoint, a Alert) {
	payload, err := json.Marshal(a)
	if err != nil {
		log.Printf("[alerts] failed to marshal alert for %s: %v", wh.Name, err)
		return
	}

	req, err := http.NewRequest(http.MethodPost, wh.URL, bytes.NewBuffer(payload))
	if err != nil {
		log.Printf("[alerts] failed to build request for %s: %v", wh.Name, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range wh.Headers {
		req.Header.Set(k, v)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		log.Printf("[alerts] failed to deliver to %s: %v", wh.Name, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		log.Printf("[alerts] webhook %s returned status %d", wh.Name, resp.StatusCode)
	}
}

func severityMeetsThreshold(severity, minimum string) bool {
	levels := map[string]int{
		SeverityInfo: 0, SeverityLow: 1, SeverityMedium: 2, SeverityHigh: 3, SeverityCritical: 4,
	}
	return levels[severity] >= levels[minimum]
}

func generateAlertID(a Alert, seq int64) string {
	return string(a.AlertType) + "-" + itoa(seq)
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
