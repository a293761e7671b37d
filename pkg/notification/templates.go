package notification

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/opsignal/alerting-engine/pkg/alerting"
)

// TemplateStore holds notification templates and selects the best
// match for a (channel, level, category) triple.
type TemplateStore struct {
	mu        sync.RWMutex
	templates map[string]*NotificationTemplate
}

// NewTemplateStore creates a store pre-loaded with a plain default
// template per channel so dispatch never lacks a template.
func NewTemplateStore() *TemplateStore {
	ts := &TemplateStore{templates: make(map[string]*NotificationTemplate)}
	for _, ch := range []Channel{ChannelEmail, ChannelSMS, ChannelWebhook, ChannelIM, ChannelPhone} {
		ts.Add(&NotificationTemplate{
			ID:      "default-" + string(ch),
			Channel: ch,
			Subject: "[{level}] {title}",
			Body:    "{message}\n\nSource: {source}\nMetric: {metric_name}\nValue: {value}\nTime: {created_at}",
			Format:  "text",
		})
	}
	return ts
}

// Add registers or replaces a template.
func (ts *TemplateStore) Add(t *NotificationTemplate) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.templates[t.ID] = t
}

// Get returns a template by id.
func (ts *TemplateStore) Get(id string) (*NotificationTemplate, bool) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	t, ok := ts.templates[id]
	return t, ok
}

// Select returns the template for an explicit id when given, otherwise
// the best match on channel, level and category. Channel match is
// mandatory; level and category matches each improve the score.
func (ts *TemplateStore) Select(id string, channel Channel, level alerting.Level, category alerting.Category) *NotificationTemplate {
	if id != "" {
		if t, ok := ts.Get(id); ok {
			return t
		}
	}

	ts.mu.RLock()
	defer ts.mu.RUnlock()

	var best *NotificationTemplate
	bestScore := -1
	for _, t := range ts.templates {
		if t.Channel != channel {
			continue
		}
		score := 0
		switch t.Level {
		case level:
			score += 2
		case "":
			score++
		default:
			continue
		}
		switch t.Category {
		case category:
			score += 2
		case "":
			score++
		default:
			continue
		}
		if score > bestScore {
			best, bestScore = t, score
		}
	}
	return best
}

// Render substitutes {name} placeholders in the template from the
// flattened alert context and returns (subject, content).
func (ts *TemplateStore) Render(t *NotificationTemplate, alert *alerting.Alert) (string, string) {
	vars := flattenAlert(alert)
	return substitute(t.Subject, vars), substitute(t.Body, vars)
}

// flattenAlert exposes the alert's fields and free-form context as a
// flat placeholder map.
func flattenAlert(alert *alerting.Alert) map[string]string {
	vars := map[string]string{
		"id":          alert.ID,
		"rule_id":     alert.RuleID,
		"title":       alert.Title,
		"message":     alert.Message,
		"source":      alert.Source,
		"level":       strings.ToUpper(string(alert.Level)),
		"category":    string(alert.Category),
		"priority":    string(alert.Priority),
		"status":      string(alert.Status),
		"metric_name": alert.MetricName,
		"created_at":  alert.CreatedAt.Format(time.RFC3339),
	}
	if alert.Value != nil {
		vars["value"] = fmt.Sprintf("%.4g", *alert.Value)
	} else {
		vars["value"] = "n/a"
	}
	if alert.Threshold != nil {
		vars["threshold"] = fmt.Sprintf("%.4g", *alert.Threshold)
	} else {
		vars["threshold"] = "n/a"
	}
	for k, v := range alert.Context {
		if _, exists := vars[k]; !exists {
			vars[k] = fmt.Sprintf("%v", v)
		}
	}
	return vars
}

// substitute replaces every {name} token present in vars. Unknown
// tokens are left intact so template mistakes stay visible.
func substitute(text string, vars map[string]string) string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(text)
}
