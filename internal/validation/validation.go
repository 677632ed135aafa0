// SPDX-FileCopyrightText: 2025 Paulo Almeida <almeidapaulopt@gmail.com>
// SPDX-License-Identifier: MIT

package validation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"

	"github.com/yichenchong/proxyfleet/internal/connectors"
	"github.com/yichenchong/proxyfleet/internal/model"
)

// Validator runs struct rules and reports them as model.ValidationError.
type Validator struct {
	validate *validator.Validate
}

var std = New()

func New() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())

	// report json names, the ones users send
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return fld.Name
		}
		return name
	})

	return &Validator{validate: v}
}

// Struct validates s with its `validate` tags.
func (v *Validator) Struct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return model.NewValidationError(err.Error())
	}

	fields := make([]model.FieldError, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, model.FieldError{
			Field: trimNamespace(fe.Namespace()),
			Tag:   fe.Tag(),
			Param: fe.Param(),
		})
	}

	return model.NewValidationError(fmt.Sprintf("invalid %s", typeName(s)), fields...)
}

// Struct validates s with the shared validator.
func Struct(s any) error {
	return std.Struct(s)
}

// Decode strictly decodes raw into a new T holding its `default` tags, then
// validates it. Unknown fields and malformed JSON are validation errors.
func Decode[T any](raw json.RawMessage) (*T, error) {
	out := new(T)
	if reflect.TypeFor[T]().Kind() == reflect.Struct {
		if err := defaults.Set(out); err != nil {
			return nil, fmt.Errorf("setting defaults of %s: %w", typeName(out), err)
		}
	}

	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage("{}")
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	if err := dec.Decode(out); err != nil {
		return nil, model.NewValidationError(fmt.Sprintf("invalid %s: %s", typeName(out), err.Error()))
	}

	if err := std.Struct(out); err != nil {
		return nil, err
	}

	return out, nil
}

// ValidateConnector checks a connector's own fields and the rules that
// span several of them.
func ValidateConnector(c *model.Connector) error {
	if err := std.Struct(c); err != nil {
		return err
	}

	if c.ProxiesTimeoutUnreachable.Enabled &&
		c.ProxiesTimeoutUnreachable.Value <= c.ProxiesTimeoutDisconnected {
		return model.NewValidationError("invalid connector", model.FieldError{
			Field: "proxiesTimeoutUnreachable.value",
			Tag:   "gtfield",
			Param: "proxiesTimeoutDisconnected",
		})
	}

	return nil
}

// CheckCredential runs the provider credential validation. Errors that are
// not already classified are credential rejections.
func CheckCredential(ctx context.Context, factory connectors.Factory, credential json.RawMessage) error {
	err := factory.ValidateCredentialConfig(ctx, credential)
	if err == nil || isClassified(err) {
		return err
	}

	return &model.CredentialInvalidError{Err: err}
}

// CheckConnector validates the connector structurally, then lets the
// provider check its configuration against the credential.
func CheckConnector(ctx context.Context, factory connectors.Factory, credential json.RawMessage, c *model.Connector) error {
	if err := ValidateConnector(c); err != nil {
		return err
	}

	err := factory.ValidateConnectorConfig(ctx, credential, c.Config)
	if err == nil || isClassified(err) {
		return err
	}

	return &model.ConnectorInvalidError{Err: err}
}

func isClassified(err error) bool {
	var (
		ve *model.ValidationError
		ce *model.CredentialInvalidError
		ci *model.ConnectorInvalidError
	)

	return errors.As(err, &ve) || errors.As(err, &ce) || errors.As(err, &ci)
}

func trimNamespace(ns string) string {
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func typeName(v any) string {
	t := reflect.TypeOf(v)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	return strings.ToLower(t.Name())
}
