// Package validator checks device records before they are queued when strict
// record validation is enabled.
package validator

import (
	"fmt"
	"reflect"
	"regexp"
)

// RSSI bounds of a signed byte.
const (
	MinRSSI = -128
	MaxRSSI = 127
)

var macPattern = regexp.MustCompile(`^[0-9a-f]{12}$`)

// Validator validates data
type Validator interface {
	Validate(data interface{}) error
}

// RangeValidator checks a numeric struct field is within [Min, Max]
type RangeValidator struct {
	Field string
	Min   float64
	Max   float64
}

// Validate implements Validator
func (rv *RangeValidator) Validate(data interface{}) error {
	field, err := structField(data, rv.Field)
	if err != nil {
		return err
	}

	var value float64
	switch field.Kind() {
	case reflect.Float32, reflect.Float64:
		value = field.Float()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		value = float64(field.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		value = float64(field.Uint())
	default:
		return fmt.Errorf("field %s is not numeric", rv.Field)
	}

	if value < rv.Min || value > rv.Max {
		return fmt.Errorf("field %s value %v is outside [%v, %v]", rv.Field, value, rv.Min, rv.Max)
	}

	return nil
}

// MACValidator checks a string field holds 12 lowercase hex digits
type MACValidator struct {
	Field string
}

// Validate implements Validator
func (mv *MACValidator) Validate(data interface{}) error {
	field, err := structField(data, mv.Field)
	if err != nil {
		return err
	}
	if field.Kind() != reflect.String {
		return fmt.Errorf("field %s is not a string", mv.Field)
	}
	if !macPattern.MatchString(field.String()) {
		return fmt.Errorf("field %s value %q is not a 12 digit lowercase hex MAC", mv.Field, field.String())
	}
	return nil
}

// Chain runs validators in order and returns the first error
type Chain []Validator

// Validate implements Validator
func (c Chain) Validate(data interface{}) error {
	for _, v := range c {
		if err := v.Validate(data); err != nil {
			return err
		}
	}
	return nil
}

// DeviceRecord returns the validators applied to record.DeviceRecord values.
func DeviceRecord() Chain {
	return Chain{
		&MACValidator{Field: "MAC"},
		&RangeValidator{Field: "RSSI", Min: MinRSSI, Max: MaxRSSI},
	}
}

func structField(data interface{}, name string) (reflect.Value, error) {
	v := reflect.ValueOf(data)
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return reflect.Value{}, fmt.Errorf("data is nil")
		}
		v = v.Elem()
	}

	if v.Kind() != reflect.Struct {
		return reflect.Value{}, fmt.Errorf("data must be a struct, got %s", v.Kind())
	}

	field := v.FieldByName(name)
	if !field.IsValid() {
		return reflect.Value{}, fmt.Errorf("field %s does not exist", name)
	}
	return field, nil
}
