package blocking

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"
)

const (
	cloudflareAPIBase = "https://api.cloudflare.com/client/v4"
	managedListName   = "logward_blocklist"
	managedRuleDesc   = "logward managed blocklist"

	// One in-flight request at a time with a fixed gap keeps us far under
	// the provider's per-minute budget.
	requestSpacing = 1200 * time.Millisecond
	apiTimeout     = 15 * time.Second
)

var ErrEdgeNotConfigured = errors.New("edge api credentials missing")

// CloudflareCredentials supports both authentication shapes: a scoped token
// bound to one zone, or the legacy global key plus account email.
type CloudflareCredentials struct {
	APIToken string
	APIKey   string
	Email    string
	ZoneID   string
}

func (c CloudflareCredentials) configured() bool {
	return c.APIToken != "" || (c.APIKey != "" && c.Email != "")
}

type cfZone struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Account struct {
		ID string `json:"id"`
	} `json:"account"`
}

type cfEnvelope struct {
	Success bool `json:"success"`
	Errors  []struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
	Result json.RawMessage `json:"result"`
}

type apiJob struct {
	fn    func() error
	reply chan error
}

// CloudflareBackend blocks IPs network-wide through the provider's control
// plane. Preferred shape is one managed IP list plus one WAF custom rule per
// zone referencing it; when list provisioning fails (plan limits) it degrades
// to per-zone access rules without surfacing the failure to callers.
type CloudflareBackend struct {
	creds   CloudflareCredentials
	client  *http.Client
	baseURL string
	spacing time.Duration

	queueOnce sync.Once
	queue     chan apiJob

	provision singleflight.Group

	mu        sync.Mutex
	accountID string
	listID    string
	zones     []cfZone
	itemIDs   map[string]string
	fallback  bool
}

func NewCloudflareBackend(creds CloudflareCredentials) *CloudflareBackend {
	return &CloudflareBackend{
		creds:   creds,
		client:  &http.Client{Timeout: apiTimeout},
		baseURL: cloudflareAPIBase,
		spacing: requestSpacing,
		itemIDs: make(map[string]string),
	}
}

func (b *CloudflareBackend) Name() string { return "cloudflare" }

func (b *CloudflareBackend) Configured() bool { return b.creds.configured() }

// serialize funnels every API call through one worker goroutine. A failed job
// reports its error to the waiting caller and the worker moves on, so the
// queue never stalls on one bad request.
func (b *CloudflareBackend) serialize(ctx context.Context, fn func() error) error {
	b.queueOnce.Do(func() {
		b.queue = make(chan apiJob, 64)
		go func() {
			for job := range b.queue {
				err := job.fn()
				if err != nil {
					log.Warn("edge api request failed", "error", err)
				}
				job.reply <- err
				time.Sleep(b.spacing)
			}
		}()
	})
	job := apiJob{fn: fn, reply: make(chan error, 1)}
	select {
	case b.queue <- job:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-job.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *CloudflareBackend) api(ctx context.Context, method, path string, body any, out any) error {
	return b.serialize(ctx, func() error {
		var reader io.Reader
		if body != nil {
			buf, err := json.Marshal(body)
			if err != nil {
				return err
			}
			reader = bytes.NewReader(buf)
		}
		req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reader)
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if b.creds.APIToken != "" {
			req.Header.Set("Authorization", "Bearer "+b.creds.APIToken)
		} else {
			req.Header.Set("X-Auth-Key", b.creds.APIKey)
			req.Header.Set("X-Auth-Email", b.creds.Email)
		}
		resp, err := b.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}
		var env cfEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return fmt.Errorf("edge api: malformed response (%d): %w", resp.StatusCode, err)
		}
		if !env.Success {
			msg := "unknown error"
			if len(env.Errors) > 0 {
				msg = fmt.Sprintf("%d: %s", env.Errors[0].Code, env.Errors[0].Message)
			}
			return fmt.Errorf("edge api: %s %s failed: %s", method, path, msg)
		}
		if out != nil && len(env.Result) > 0 {
			return json.Unmarshal(env.Result, out)
		}
		return nil
	})
}

// Enforce adds ip to the managed list so the per-zone WAF rules pick it up,
// or creates individual access rules when running in fallback mode. The
// switch to fallback happens transparently on the first provisioning failure.
func (b *CloudflareBackend) Enforce(ctx context.Context, ip, reason string) (string, error) {
	if !b.Configured() {
		return "", ErrEdgeNotConfigured
	}
	b.mu.Lock()
	useFallback := b.fallback
	b.mu.Unlock()

	if !useFallback {
		if err := b.ensureProvisioned(ctx); err != nil {
			log.Warn("edge list provisioning failed, degrading to access rules", "error", err)
			b.mu.Lock()
			b.fallback = true
			b.mu.Unlock()
			useFallback = true
		}
	}
	if useFallback {
		return b.enforceAccessRules(ctx, ip, reason)
	}
	return b.addListItem(ctx, ip, reason)
}

func (b *CloudflareBackend) Lift(ctx context.Context, ip, handle string) error {
	if !b.Configured() {
		return ErrEdgeNotConfigured
	}
	if strings.HasPrefix(handle, "rule:") {
		return b.liftAccessRules(ctx, handle)
	}
	b.mu.Lock()
	useFallback := b.fallback
	b.mu.Unlock()
	if useFallback {
		return b.liftAccessRulesByIP(ctx, ip)
	}
	return b.removeListItem(ctx, ip, handle)
}

// ensureProvisioned discovers the account/zone topology and creates the
// managed list and the per-zone WAF rule when absent. Single-flighted so
// concurrent first blocks do not race on creation.
func (b *CloudflareBackend) ensureProvisioned(ctx context.Context) error {
	b.mu.Lock()
	ready := b.listID != ""
	b.mu.Unlock()
	if ready {
		return nil
	}
	_, err, _ := b.provision.Do("provision", func() (any, error) {
		zones, err := b.discoverZones(ctx)
		if err != nil {
			return nil, err
		}
		if len(zones) == 0 {
			return nil, errors.New("edge api: no zones visible to credentials")
		}
		accountID := zones[0].Account.ID
		listID, err := b.findOrCreateList(ctx, accountID)
		if err != nil {
			return nil, err
		}
		for _, z := range zones {
			if err := b.ensureZoneRule(ctx, z.ID); err != nil {
				return nil, fmt.Errorf("zone %s: %w", z.Name, err)
			}
		}
		b.mu.Lock()
		b.accountID = accountID
		b.zones = zones
		b.listID = listID
		b.mu.Unlock()
		return nil, nil
	})
	return err
}

func (b *CloudflareBackend) discoverZones(ctx context.Context) ([]cfZone, error) {
	if b.creds.ZoneID != "" {
		var zone cfZone
		if err := b.api(ctx, http.MethodGet, "/zones/"+b.creds.ZoneID, nil, &zone); err != nil {
			return nil, err
		}
		return []cfZone{zone}, nil
	}
	var zones []cfZone
	if err := b.api(ctx, http.MethodGet, "/zones?per_page=50", nil, &zones); err != nil {
		return nil, err
	}
	return zones, nil
}

func (b *CloudflareBackend) findOrCreateList(ctx context.Context, accountID string) (string, error) {
	type cfList struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	var lists []cfList
	path := "/accounts/" + accountID + "/rules/lists"
	if err := b.api(ctx, http.MethodGet, path, nil, &lists); err != nil {
		return "", err
	}
	for _, l := range lists {
		if l.Name == managedListName {
			return l.ID, nil
		}
	}
	var created cfList
	body := map[string]string{
		"name":        managedListName,
		"kind":        "ip",
		"description": managedRuleDesc,
	}
	if err := b.api(ctx, http.MethodPost, path, body, &created); err != nil {
		return "", err
	}
	return created.ID, nil
}

func (b *CloudflareBackend) ensureZoneRule(ctx context.Context, zoneID string) error {
	type cfRule struct {
		Description string `json:"description"`
	}
	type cfRuleset struct {
		ID    string   `json:"id"`
		Rules []cfRule `json:"rules"`
	}
	entry := "/zones/" + zoneID + "/rulesets/phases/http_request_firewall_custom/entrypoint"
	var ruleset cfRuleset
	if err := b.api(ctx, http.MethodGet, entry, nil, &ruleset); err != nil {
		return err
	}
	for _, r := range ruleset.Rules {
		if r.Description == managedRuleDesc {
			return nil
		}
	}
	rule := map[string]any{
		"description": managedRuleDesc,
		"expression":  fmt.Sprintf("ip.src in $%s", managedListName),
		"action":      "block",
		"enabled":     true,
	}
	return b.api(ctx, http.MethodPost, "/zones/"+zoneID+"/rulesets/"+ruleset.ID+"/rules", rule, nil)
}

type cfListItem struct {
	ID string `json:"id"`
	IP string `json:"ip"`
}

func (b *CloudflareBackend) itemsPath() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return "/accounts/" + b.accountID + "/rules/lists/" + b.listID + "/items"
}

func (b *CloudflareBackend) addListItem(ctx context.Context, ip, reason string) (string, error) {
	body := []map[string]string{{"ip": ip, "comment": reason}}
	if err := b.api(ctx, http.MethodPost, b.itemsPath(), body, nil); err != nil {
		return "", err
	}
	// Item creation is asynchronous server-side; look the ID up so Lift can
	// remove it without a search.
	id, err := b.findListItemID(ctx, ip)
	if err != nil {
		log.Debug("list item id lookup failed", "ip", ip, "error", err)
		return "", nil
	}
	b.mu.Lock()
	b.itemIDs[ip] = id
	b.mu.Unlock()
	return "item:" + id, nil
}

func (b *CloudflareBackend) findListItemID(ctx context.Context, ip string) (string, error) {
	var items []cfListItem
	if err := b.api(ctx, http.MethodGet, b.itemsPath()+"?search="+ip, nil, &items); err != nil {
		return "", err
	}
	for _, it := range items {
		if it.IP == ip {
			return it.ID, nil
		}
	}
	return "", fmt.Errorf("edge api: item for %s not found", ip)
}

func (b *CloudflareBackend) removeListItem(ctx context.Context, ip, handle string) error {
	if err := b.ensureProvisioned(ctx); err != nil {
		return err
	}
	var id string
	if strings.HasPrefix(handle, "item:") {
		id = strings.TrimPrefix(handle, "item:")
	} else {
		b.mu.Lock()
		id = b.itemIDs[ip]
		b.mu.Unlock()
	}
	if id == "" {
		found, err := b.findListItemID(ctx, ip)
		if err != nil {
			return err
		}
		id = found
	}
	body := map[string]any{"items": []map[string]string{{"id": id}}}
	if err := b.api(ctx, http.MethodDelete, b.itemsPath(), body, nil); err != nil {
		return err
	}
	b.mu.Lock()
	delete(b.itemIDs, ip)
	b.mu.Unlock()
	return nil
}

type cfAccessRule struct {
	ID string `json:"id"`
}

func (b *CloudflareBackend) fallbackZoneIDs(ctx context.Context) ([]string, error) {
	b.mu.Lock()
	cached := b.zones
	b.mu.Unlock()
	if len(cached) == 0 {
		zones, err := b.discoverZones(ctx)
		if err != nil {
			return nil, err
		}
		b.mu.Lock()
		b.zones = zones
		b.mu.Unlock()
		cached = zones
	}
	ids := make([]string, 0, len(cached))
	for _, z := range cached {
		ids = append(ids, z.ID)
	}
	return ids, nil
}

func (b *CloudflareBackend) enforceAccessRules(ctx context.Context, ip, reason string) (string, error) {
	zoneIDs, err := b.fallbackZoneIDs(ctx)
	if err != nil {
		return "", err
	}
	parts := make([]string, 0, len(zoneIDs))
	var lastErr error
	for _, zoneID := range zoneIDs {
		body := map[string]any{
			"mode":          "block",
			"notes":         reason,
			"configuration": map[string]string{"target": "ip", "value": ip},
		}
		var rule cfAccessRule
		if err := b.api(ctx, http.MethodPost, "/zones/"+zoneID+"/firewall/access_rules/rules", body, &rule); err != nil {
			lastErr = err
			continue
		}
		parts = append(parts, zoneID+"/"+rule.ID)
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("edge api: access rule creation failed in all zones: %w", lastErr)
	}
	return "rule:" + strings.Join(parts, ","), nil
}

func (b *CloudflareBackend) liftAccessRules(ctx context.Context, handle string) error {
	var lastErr error
	for _, part := range strings.Split(strings.TrimPrefix(handle, "rule:"), ",") {
		zoneID, ruleID, ok := strings.Cut(part, "/")
		if !ok {
			continue
		}
		if err := b.api(ctx, http.MethodDelete, "/zones/"+zoneID+"/firewall/access_rules/rules/"+ruleID, nil, nil); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// liftAccessRulesByIP handles unbans of records created before a restart,
// where no handle survived. It searches each zone for matching rules.
func (b *CloudflareBackend) liftAccessRulesByIP(ctx context.Context, ip string) error {
	zoneIDs, err := b.fallbackZoneIDs(ctx)
	if err != nil {
		return err
	}
	var lastErr error
	for _, zoneID := range zoneIDs {
		var rules []cfAccessRule
		path := "/zones/" + zoneID + "/firewall/access_rules/rules?configuration.target=ip&configuration.value=" + ip
		if err := b.api(ctx, http.MethodGet, path, nil, &rules); err != nil {
			lastErr = err
			continue
		}
		for _, r := range rules {
			if err := b.api(ctx, http.MethodDelete, "/zones/"+zoneID+"/firewall/access_rules/rules/"+r.ID, nil, nil); err != nil {
				lastErr = err
			}
		}
	}
	return lastErr
}
