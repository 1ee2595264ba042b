package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema.json
var schemaJSON []byte

var (
	compileOnce    sync.Once
	compiledSchema *jsonschema.Schema
	compileErr     error
)

func configSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("schema.json", bytes.NewReader(schemaJSON)); err != nil {
			compileErr = fmt.Errorf("failed to load config schema: %w", err)
			return
		}
		compiledSchema, compileErr = compiler.Compile("schema.json")
	})
	return compiledSchema, compileErr
}

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Validate checks the shape and ranges of every field.
func (c Config) Validate() error {
	schema, err := configSchema()
	if err != nil {
		return err
	}

	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config for validation: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("failed to decode config for validation: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// ValidateForOCR checks the fields required to call the model.
func (c Config) ValidateForOCR() error {
	if err := c.Validate(); err != nil {
		return err
	}

	var errs []error
	if strings.TrimSpace(c.VLM.Model) == "" {
		errs = append(errs, errors.New("vlm.model is not set"))
	}
	if strings.TrimSpace(c.VLM.APIURL) == "" {
		errs = append(errs, errors.New("vlm.api_url is not set"))
	} else if u, err := url.Parse(c.VLM.APIURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("vlm.api_url %q is not an http(s) URL", c.VLM.APIURL))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// CanAutoProcess reports whether the inbox can be processed unattended.
func (c Config) CanAutoProcess() bool {
	return c.Inbox.Dir != "" && c.ValidateForOCR() == nil
}
