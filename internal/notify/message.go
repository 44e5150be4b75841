package notify

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"stockly/internal/models"
	"stockly/pkg/utils"
)

// StringifyData coerces payload values to strings.
func StringifyData(data map[string]any) map[string]string {
	if len(data) == 0 {
		return nil
	}
	out := make(map[string]string, len(data))
	for k, v := range data {
		out[k] = stringify(v)
	}
	return out
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	case fmt.Stringer:
		return x.String()
	default:
		if b, err := json.Marshal(x); err == nil {
			return string(b)
		}
		return fmt.Sprint(x)
	}
}

// AlertMessage renders the push for a fired alert.
func AlertMessage(alert models.Alert, price float64, token string) Message {
	var emoji, verb string
	switch alert.Direction {
	case models.DirectionAbove:
		emoji, verb = "📈", "rose above"
	case models.DirectionBelow:
		emoji, verb = "📉", "fell below"
	default:
		emoji, verb = "⚠️", "crossed"
	}

	symbol := models.NormalizeSymbol(alert.Symbol)
	return Message{
		Token: token,
		Title: fmt.Sprintf("%s %s %s %s", emoji, symbol, verb, utils.FormatUSD(alert.Threshold)),
		Body:  fmt.Sprintf("%s is now %s", symbol, utils.FormatUSD(price)),
		Data: map[string]any{
			"type":      "price_alert",
			"alertId":   alert.ID,
			"symbol":    symbol,
			"direction": string(alert.Direction),
			"threshold": alert.Threshold,
			"price":     price,
		},
	}
}
