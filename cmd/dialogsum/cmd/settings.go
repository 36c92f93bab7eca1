package cmd

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"github.com/zqkzzz/dialogue-summarization/params"
)

// Viper keys are the yaml tags of params.Config, so a config file, a
// DIALOGSUM_ variable and the preset all address the same setting.

func configFields(c *params.Config, visit func(key string, field reflect.Value)) {
	v := reflect.ValueOf(c).Elem()
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		key, _, _ := strings.Cut(t.Field(i).Tag.Get("yaml"), ",")
		if key == "" || key == "-" {
			continue
		}
		visit(key, v.Field(i))
	}
}

func setDefaults(v *viper.Viper, base params.Config) {
	configFields(&base, func(key string, field reflect.Value) {
		v.SetDefault(key, field.Interface())
	})
}

// configFromViper overlays every setting viper knows about onto base, then
// fills the data paths left empty from data_dir and local.
func configFromViper(v *viper.Viper, base params.Config) (params.Config, error) {
	cfg := base
	var err error
	configFields(&cfg, func(key string, field reflect.Value) {
		if err != nil || !v.IsSet(key) {
			return
		}
		switch field.Kind() {
		case reflect.Bool:
			field.SetBool(v.GetBool(key))
		case reflect.Int, reflect.Int64:
			field.SetInt(v.GetInt64(key))
		case reflect.Float64:
			field.SetFloat(v.GetFloat64(key))
		case reflect.String:
			field.SetString(v.GetString(key))
		case reflect.Array:
			var fs []float64
			fs, err = floatSlice(v.Get(key))
			if err == nil && len(fs) != field.Len() {
				err = fmt.Errorf("want %d values, got %d", field.Len(), len(fs))
			}
			if err != nil {
				err = fmt.Errorf("%w: %s: %v", params.ErrInvalidConfig, key, err)
				return
			}
			for i, f := range fs {
				field.Index(i).SetFloat(f)
			}
		}
	})
	if err != nil {
		return params.Config{}, err
	}
	cfg = cfg.WithDerivedPaths()
	return cfg, cfg.Validate()
}

// floatSlice accepts a YAML list or a space/comma separated string.
func floatSlice(raw any) ([]float64, error) {
	switch x := raw.(type) {
	case [2]float64:
		return x[:], nil
	case []float64:
		return append([]float64(nil), x...), nil
	case []any:
		out := make([]float64, len(x))
		for i, e := range x {
			f, err := strconv.ParseFloat(fmt.Sprint(e), 64)
			if err != nil {
				return nil, err
			}
			out[i] = f
		}
		return out, nil
	case string:
		fields := strings.FieldsFunc(x, func(r rune) bool { return r == ',' || r == ' ' })
		return floatSlice(toAny(fields))
	}
	return nil, fmt.Errorf("unsupported value %T", raw)
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
