package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/skalibog/bgbot/pkg/models"
)

// DiscordNotifier отправляет события в Discord webhook
type DiscordNotifier struct {
	webhookURL string
	client     *http.Client
}

func NewDiscordNotifier(webhookURL string) *DiscordNotifier {
	return &DiscordNotifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func severityColor(s models.Severity) int {
	switch s {
	case models.SeverityCritical:
		return 0xE74C3C
	case models.SeverityWarning:
		return 0xF1C40F
	default:
		return 0x2ECC71
	}
}

func (d *DiscordNotifier) Notify(ctx context.Context, e models.Event) error {
	title := string(e.Type)
	if e.Symbol != "" {
		title += " " + e.Symbol
	}

	var fields []map[string]interface{}
	for _, k := range sortedKeys(e.Fields) {
		fields = append(fields, map[string]interface{}{
			"name":   k,
			"value":  models.FormatDecimal(e.Fields[k]),
			"inline": true,
		})
	}

	payload := map[string]interface{}{
		"embeds": []map[string]interface{}{
			{
				"title":       title,
				"description": e.Message,
				"color":       severityColor(e.Severity),
				"fields":      fields,
				"footer": map[string]string{
					"text": "bgbot | " + string(e.Severity),
				},
				"timestamp": e.Time.Format(time.RFC3339),
			},
		},
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("discord вернул статус %d", resp.StatusCode)
	}
	return nil
}
