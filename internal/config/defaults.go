package config

import (
	"reflect"
	"strconv"
	"time"
)

// SetDefaults populates zero-valued fields from their `default` struct
// tag, adapted from ilijajolevski-ilinden/internal/config/defaults.go's
// reflection-based walk.
func SetDefaults(cfg *DemuxerConfig) {
	setDefaultsForStruct(reflect.ValueOf(cfg).Elem())
}

func setDefaultsForStruct(val reflect.Value) {
	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		typeField := val.Type().Field(i)

		if !field.CanSet() {
			continue
		}

		defaultValue := typeField.Tag.Get("default")
		if defaultValue == "" {
			if field.Kind() == reflect.Struct {
				setDefaultsForStruct(field)
			}
			continue
		}

		switch field.Kind() {
		case reflect.String:
			if field.String() == "" {
				field.SetString(defaultValue)
			}
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			if field.Int() == 0 {
				if typeField.Type == reflect.TypeOf(time.Duration(0)) {
					if d, err := time.ParseDuration(defaultValue); err == nil {
						field.Set(reflect.ValueOf(d))
					}
					continue
				}
				if n, err := strconv.ParseInt(defaultValue, 10, 64); err == nil {
					field.SetInt(n)
				}
			}
		case reflect.Float32, reflect.Float64:
			if field.Float() == 0 {
				if f, err := strconv.ParseFloat(defaultValue, 64); err == nil {
					field.SetFloat(f)
				}
			}
		case reflect.Bool:
			if !field.Bool() {
				if b, err := strconv.ParseBool(defaultValue); err == nil {
					field.SetBool(b)
				}
			}
		case reflect.Struct:
			setDefaultsForStruct(field)
		}
	}
}
