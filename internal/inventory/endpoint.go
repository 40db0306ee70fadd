package inventory

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/vladislavdragonenkov/ordersvc/internal/domain"
)

const endpointDelimiter = ","

// ParseEndpoint разбирает запись конфигурации вида "key,address".
// Запись должна состоять ровно из двух непустых частей, адрес — абсолютный http(s) URL.
func ParseEndpoint(name, raw string) (domain.InventoryEndpoint, error) {
	parts := strings.Split(raw, endpointDelimiter)
	if len(parts) != 2 {
		return domain.InventoryEndpoint{}, fmt.Errorf("inventory endpoint %q: invalid format %q, expected \"key,address\"", name, raw)
	}

	key := strings.TrimSpace(parts[0])
	address := strings.TrimSpace(parts[1])
	if key == "" || address == "" {
		return domain.InventoryEndpoint{}, fmt.Errorf("inventory endpoint %q: key and address must be non-empty in %q", name, raw)
	}

	parsed, err := url.Parse(address)
	if err != nil {
		return domain.InventoryEndpoint{}, fmt.Errorf("inventory endpoint %q: parse address: %w", name, err)
	}
	if (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return domain.InventoryEndpoint{}, fmt.Errorf("inventory endpoint %q: address %q must be an absolute http(s) URL", name, address)
	}

	return domain.InventoryEndpoint{
		Name:    name,
		Key:     key,
		BaseURL: strings.TrimRight(address, "/"),
	}, nil
}
