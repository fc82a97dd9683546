package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
)

// MarketplaceType represents the supported marketplace platforms
type MarketplaceType string

const (
	MarketplaceTrendyol    MarketplaceType = "TRENDYOL"
	MarketplaceAmazon      MarketplaceType = "AMAZON"
	MarketplaceN11         MarketplaceType = "N11"
	MarketplaceHepsiburada MarketplaceType = "HEPSIBURADA"
)

// ParseMarketplaceType parses a marketplace name into a MarketplaceType
func ParseMarketplaceType(s string) (MarketplaceType, error) {
	switch MarketplaceType(strings.ToUpper(strings.TrimSpace(s))) {
	case MarketplaceTrendyol:
		return MarketplaceTrendyol, nil
	case MarketplaceAmazon:
		return MarketplaceAmazon, nil
	case MarketplaceN11:
		return MarketplaceN11, nil
	case MarketplaceHepsiburada:
		return MarketplaceHepsiburada, nil
	default:
		return "", fmt.Errorf("unknown marketplace: %q", s)
	}
}

// EntityType identifies the kind of canonical entity a record refers to
type EntityType string

const (
	EntityProduct EntityType = "PRODUCT"
	EntityOrder   EntityType = "ORDER"
	EntityReturn  EntityType = "RETURN"
)

// JSONB custom type for PostgreSQL JSONB
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = make(map[string]interface{})
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, j)
	case string:
		return json.Unmarshal([]byte(v), j)
	default:
		return nil
	}
}

func (j JSONB) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]interface{}(j))
}

func (j *JSONB) UnmarshalJSON(data []byte) error {
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*j = JSONB(m)
	return nil
}
