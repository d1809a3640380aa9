package api

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed message.schema.json
var defaultSchema []byte

// MessageValidator validates messages against a JSON schema, compiled on
// first use. An empty path selects the built-in message schema.
type MessageValidator struct {
	once   sync.Once
	schema *gojsonschema.Schema
	err    error
	path   string
}

func NewMessageValidator(schemaPath string) *MessageValidator {
	return &MessageValidator{path: schemaPath}
}

func (v *MessageValidator) load() {
	loader := gojsonschema.NewBytesLoader(defaultSchema)
	if v.path != "" {
		abs, err := filepath.Abs(v.path)
		if err != nil {
			v.err = fmt.Errorf("schema path: %w", err)
			return
		}
		loader = gojsonschema.NewReferenceLoader("file://" + filepath.ToSlash(abs))
	}
	v.schema, v.err = gojsonschema.NewSchema(loader)
	if v.err != nil {
		v.err = fmt.Errorf("compile schema: %w", v.err)
	}
}

func (v *MessageValidator) Validate(doc interface{}) error {
	v.once.Do(v.load)
	if v.err != nil {
		return v.err
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	res, err := v.schema.Validate(gojsonschema.NewBytesLoader(b))
	if err != nil {
		return err
	}
	if !res.Valid() {
		return fmt.Errorf("message invalid: %v", res.Errors())
	}
	return nil
}
