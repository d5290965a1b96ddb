// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package cfgstruct binds configuration structs to flags using
// `help` and `default` struct tags.
package cfgstruct

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/zeebo/errs"
)

// Error is the class of cfgstruct errors
var Error = errs.Class("cfgstruct error")

// BindOpt structures bind options
type BindOpt struct {
	vars map[string]string
}

// ConfDir sets a variable for default values named $CONFDIR
func ConfDir(path string) BindOpt {
	return BindOpt{vars: map[string]string{"CONFDIR": path}}
}

// Bind sets flags on a FlagSet that match the configuration struct
// 'config'. This works by traversing the config struct using the 'reflect'
// package. Fields use the `help` tag for usage and the `default` tag for
// the default value.
func Bind(flags *pflag.FlagSet, config interface{}, opts ...BindOpt) {
	ptr := reflect.ValueOf(config)
	if ptr.Kind() != reflect.Ptr {
		panic(fmt.Sprintf("invalid config type: %#v, expected pointer to struct", config))
	}
	vars := map[string]string{}
	for _, opt := range opts {
		for key, value := range opt.vars {
			vars[key] = value
		}
	}
	bindConfig(flags, "", ptr.Elem(), vars)
}

func bindConfig(flags *pflag.FlagSet, prefix string, val reflect.Value, vars map[string]string) {
	if val.Kind() != reflect.Struct {
		panic(fmt.Sprintf("invalid config type: %#v, expected struct", val.Interface()))
	}
	typ := val.Type()

	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		fieldval := val.Field(i)
		flagname := prefix + hyphenate(snakeCase(field.Name))

		if field.Type.Kind() == reflect.Struct && field.Type != reflect.TypeOf(time.Time{}) {
			if field.Anonymous {
				bindConfig(flags, prefix, fieldval, vars)
			} else {
				bindConfig(flags, flagname+".", fieldval, vars)
			}
			continue
		}

		help := field.Tag.Get("help")
		def := expand(field.Tag.Get("default"), vars)
		fieldaddr := fieldval.Addr().Interface()

		switch field.Type.Kind() {
		case reflect.Int:
			flags.IntVar(fieldaddr.(*int), flagname, parseInt(def, flagname), help)
		case reflect.Int64:
			if field.Type == reflect.TypeOf(time.Duration(0)) {
				flags.DurationVar(fieldaddr.(*time.Duration), flagname, parseDuration(def, flagname), help)
			} else {
				flags.Int64Var(fieldaddr.(*int64), flagname, int64(parseInt(def, flagname)), help)
			}
		case reflect.Float64:
			flags.Float64Var(fieldaddr.(*float64), flagname, parseFloat(def, flagname), help)
		case reflect.Bool:
			flags.BoolVar(fieldaddr.(*bool), flagname, def == "true", help)
		case reflect.String:
			flags.StringVar(fieldaddr.(*string), flagname, def, help)
		default:
			panic(Error.New("invalid field type for %q: %s", flagname, field.Type))
		}
	}
}

func expand(value string, vars map[string]string) string {
	for key, replacement := range vars {
		value = strings.Replace(value, "$"+key, replacement, -1)
	}
	return value
}

func parseInt(def, flagname string) int {
	if def == "" {
		return 0
	}
	var parsed int
	if _, err := fmt.Sscanf(def, "%d", &parsed); err != nil {
		panic(Error.New("invalid default %q for %q: %v", def, flagname, err))
	}
	return parsed
}

func parseFloat(def, flagname string) float64 {
	if def == "" {
		return 0
	}
	var parsed float64
	if _, err := fmt.Sscanf(def, "%g", &parsed); err != nil {
		panic(Error.New("invalid default %q for %q: %v", def, flagname, err))
	}
	return parsed
}

func parseDuration(def, flagname string) time.Duration {
	if def == "" {
		return 0
	}
	parsed, err := time.ParseDuration(def)
	if err != nil {
		panic(Error.New("invalid default %q for %q: %v", def, flagname, err))
	}
	return parsed
}

func snakeCase(val string) string {
	// don't you think this function should be in the standard library?
	// and if it is, please advise
	out := make([]rune, 0, len(val))
	for i, r := range val {
		if i > 0 &&
			'A' <= r && r <= 'Z' &&
			'a' <= rune(val[i-1]) && rune(val[i-1]) <= 'z' {
			out = append(out, '_')
		}
		out = append(out, r)
	}
	return strings.ToLower(string(out))
}

func hyphenate(val string) string {
	return strings.Replace(val, "_", "-", -1)
}
