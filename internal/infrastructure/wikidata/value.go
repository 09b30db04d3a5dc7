package wikidata

import (
	"encoding/json"
	"fmt"
	"strings"
)

const entityURIPrefix = "http://www.wikidata.org/entity/"

type valueKind int

const (
	kindString valueKind = iota
	kindEntity
	kindTime
	kindQuantity
	kindCoordinate
)

// value is a parsed claim datavalue.
type value struct {
	kind   valueKind
	text   string
	entity string
	amount string
	unit   string
	lat    float64
	lon    float64
}

// refs lists the entity ids whose labels are needed to format v.
func (v value) refs() []string {
	switch {
	case v.kind == kindEntity:
		return []string{v.entity}
	case v.kind == kindQuantity && v.unit != "":
		return []string{v.unit}
	default:
		return nil
	}
}

func (v value) format(label func(id string) string) string {
	switch v.kind {
	case kindEntity:
		return label(v.entity)
	case kindTime:
		return v.text
	case kindQuantity:
		if v.unit == "" {
			return v.amount
		}
		return fmt.Sprintf("%s (%s)", v.amount, label(v.unit))
	case kindCoordinate:
		return fmt.Sprintf("%g, %g", v.lat, v.lon)
	default:
		return v.text
	}
}

func parseSnak(s snak) (value, bool) {
	if s.SnakType != "value" || s.DataValue == nil {
		return value{}, false
	}
	raw := s.DataValue.Value

	switch s.DataValue.Type {
	case "wikibase-entityid":
		var v struct {
			ID string `json:"id"`
		}
		if json.Unmarshal(raw, &v) != nil || v.ID == "" {
			return value{}, false
		}
		return value{kind: kindEntity, entity: v.ID}, true

	case "time":
		var v struct {
			Time string `json:"time"`
		}
		if json.Unmarshal(raw, &v) != nil || v.Time == "" {
			return value{}, false
		}
		day, _, _ := strings.Cut(strings.TrimPrefix(v.Time, "+"), "T")
		return value{kind: kindTime, text: day}, true

	case "quantity":
		var v struct {
			Amount string `json:"amount"`
			Unit   string `json:"unit"`
		}
		if json.Unmarshal(raw, &v) != nil || v.Amount == "" {
			return value{}, false
		}
		unit := ""
		if strings.HasPrefix(v.Unit, entityURIPrefix) {
			unit = strings.TrimPrefix(v.Unit, entityURIPrefix)
		}
		return value{kind: kindQuantity, amount: strings.TrimPrefix(v.Amount, "+"), unit: unit}, true

	case "globecoordinate":
		var v struct {
			Latitude  float64 `json:"latitude"`
			Longitude float64 `json:"longitude"`
		}
		if json.Unmarshal(raw, &v) != nil {
			return value{}, false
		}
		return value{kind: kindCoordinate, lat: v.Latitude, lon: v.Longitude}, true

	case "monolingualtext":
		var v struct {
			Text string `json:"text"`
		}
		if json.Unmarshal(raw, &v) != nil || v.Text == "" {
			return value{}, false
		}
		return value{kind: kindString, text: v.Text}, true

	default:
		var text string
		if json.Unmarshal(raw, &text) == nil {
			return value{kind: kindString, text: text}, text != ""
		}
		return value{kind: kindString, text: string(raw)}, len(raw) > 0
	}
}
