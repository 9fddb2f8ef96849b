package transport

import (
	"strings"

	"github.com/vitwit/ivxp/types"
	"github.com/xeipuuv/gojsonschema"
)

const schemaCatalog = `{
  "type": "object",
  "required": ["protocol", "provider", "wallet_address", "services"],
  "properties": {
    "protocol": {"type": "string"},
    "message_type": {"type": "string"},
    "provider": {"type": "string", "minLength": 1},
    "wallet_address": {"type": "string", "minLength": 1},
    "capabilities": {"type": ["array", "null"], "items": {"type": "string"}},
    "services": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "required": ["type", "base_price_usdc"],
        "properties": {
          "type": {"type": "string", "minLength": 1},
          "base_price_usdc": {"type": ["number", "string"]},
          "estimated_delivery_hours": {"type": "number"}
        }
      }
    }
  }
}`

const schemaQuote = `{
  "type": "object",
  "required": ["order_id", "quote"],
  "properties": {
    "order_id": {"type": "string", "minLength": 1},
    "provider_agent": {"type": "object"},
    "quote": {
      "type": "object",
      "required": ["price_usdc", "payment_address", "network"],
      "properties": {
        "price_usdc": {"type": ["number", "string"]},
        "payment_address": {"type": "string"},
        "network": {"type": "string"},
        "estimated_delivery": {"type": "string"}
      }
    }
  }
}`

const schemaDeliveryAccepted = `{
  "type": "object",
  "required": ["order_id", "status"],
  "properties": {
    "order_id": {"type": "string", "minLength": 1},
    "status": {"type": "string"},
    "message": {"type": "string"},
    "stream_url": {"type": "string"}
  }
}`

const schemaStatus = `{
  "type": "object",
  "required": ["order_id", "status"],
  "properties": {
    "order_id": {"type": "string", "minLength": 1},
    "status": {"enum": ["quoted", "paid", "processing", "delivered", "delivery_failed", "confirmed"]},
    "service": {"type": "string"},
    "content_hash": {"type": "string"}
  }
}`

const schemaDownload = `{
  "type": "object",
  "required": ["order_id", "content", "content_hash"],
  "properties": {
    "order_id": {"type": "string", "minLength": 1},
    "content": {"type": "string"},
    "content_type": {"type": "string"},
    "content_hash": {"type": "string", "minLength": 1}
  }
}`

const schemaConfirmationAck = `{
  "type": "object",
  "required": ["order_id", "status"],
  "properties": {
    "order_id": {"type": "string"},
    "status": {"type": "string"}
  }
}`

var (
	catalogLoader          = gojsonschema.NewStringLoader(schemaCatalog)
	quoteLoader            = gojsonschema.NewStringLoader(schemaQuote)
	deliveryAcceptedLoader = gojsonschema.NewStringLoader(schemaDeliveryAccepted)
	statusLoader           = gojsonschema.NewStringLoader(schemaStatus)
	downloadLoader         = gojsonschema.NewStringLoader(schemaDownload)
	confirmationAckLoader  = gojsonschema.NewStringLoader(schemaConfirmationAck)
)

// validateJSONSchema checks body against schema. code is the error code used
// when the body does not conform.
func validateJSONSchema(schema gojsonschema.JSONLoader, body []byte, code string) error {
	result, err := gojsonschema.Validate(schema, gojsonschema.NewBytesLoader(body))
	if err != nil {
		return types.WrapError(types.ErrInvalidResponse, "response is not valid JSON", err)
	}
	if !result.Valid() {
		var sb strings.Builder
		for i, e := range result.Errors() {
			if i > 0 {
				sb.WriteString("; ")
			}
			sb.WriteString(e.String())
		}
		return types.Errorf(code, "response does not conform to schema: %s", sb.String())
	}
	return nil
}
