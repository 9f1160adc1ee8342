package imagegen

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/inaiurai/genbot/internal/models"
)

const paramsSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "required": ["style"],
  "properties": {
    "style":  {"enum": ["photo", "anime", "watercolor", "sketch", "oil_painting", "pixel_art"]},
    "size":   {"enum": ["512x512", "768x768", "1024x1024"]},
    "seed":   {"type": "integer", "minimum": 0, "maximum": 2147483647},
    "prompt": {"type": "string", "maxLength": 500}
  }
}`

const DefaultSize = "768x768"

// Params is the generation parameter set sent alongside the input image.
type Params struct {
	Style  string `json:"style"`
	Size   string `json:"size,omitempty"`
	Seed   *int64 `json:"seed,omitempty"`
	Prompt string `json:"prompt,omitempty"`
}

var schema = jsonschema.MustCompileString("https://genbot.dev/schemas/image-params.json", paramsSchema)

// ParseParams validates raw against the parameter schema and fills defaults.
func ParseParams(raw json.RawMessage) (*Params, error) {
	if len(raw) == 0 {
		raw = json.RawMessage(`{"style":"photo"}`)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: params are not valid JSON: %v", models.ErrValidation, err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrValidation, err)
	}
	var p Params
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrValidation, err)
	}
	if p.Size == "" {
		p.Size = DefaultSize
	}
	return &p, nil
}

// JSON re-encodes p in its normalized form for storage on the task.
func (p *Params) JSON() json.RawMessage {
	b, _ := json.Marshal(p)
	return b
}

// Cost prices a task from the configured base cost. Larger outputs and
// prompt-guided runs cost more; video costs three times an image.
func Cost(typ models.TaskType, p *Params, base int) int {
	cost := base
	switch p.Size {
	case "1024x1024":
		cost += 5
	case "768x768":
		cost += 2
	}
	if p.Prompt != "" {
		cost += 2
	}
	switch typ {
	case models.TaskTypeVideo:
		cost *= 3
	case models.TaskTypeFaceSwap:
		cost += 5
	}
	return cost
}
