package ogscope

import (
	"fmt"
	"reflect"
	"strings"
)

// Setting is one leaf of the configuration tree.
type Setting struct {
	Key   string       // dotted config key, e.g. "trigger.excite"
	Kind  reflect.Kind // kind of the Go field
	Desc  string       // human-readable description from the desc tag
	Value interface{}  // current value
}

// String formats the setting for display.
func (s Setting) String() string {
	return fmt.Sprintf("%-26s %-8s = %-10v  %s", s.Key, s.Kind, s.Value, s.Desc)
}

// Settings reads the configuration keys from a possibly nested struct
// and records them in a []Setting, in field order.  Keys are taken from
// the mapstructure tag, falling back to the lower-cased field name.
// Embedded structs tagged ",squash" contribute their fields to the
// enclosing section.
func Settings(x interface{}) []Setting {
	var out []Setting
	var ext func(v reflect.Value, prefix string)
	ext = func(v reflect.Value, prefix string) {
		switch v.Kind() {
		case reflect.Ptr:
			// dereference a pointer to a struct
			if !v.IsNil() {
				ext(v.Elem(), prefix)
			}
		case reflect.Struct:
			t := v.Type()
			for i := 0; i < t.NumField(); i++ {
				f := t.Field(i)
				if f.PkgPath != "" {
					continue
				}
				name, opts := parseTag(f)
				fv := v.Field(i)
				if f.Type.Kind() == reflect.Struct && !isLeaf(f.Type) {
					if opts == "squash" {
						ext(fv, prefix)
					} else {
						ext(fv, prefix+name+".")
					}
					continue
				}
				out = append(out, Setting{
					Key:   prefix + name,
					Kind:  f.Type.Kind(),
					Desc:  f.Tag.Get("desc"),
					Value: fv.Interface(),
				})
			}
		}
	}
	ext(reflect.ValueOf(x), "")
	return out
}

func parseTag(f reflect.StructField) (name, opts string) {
	tag := f.Tag.Get("mapstructure")
	name = tag
	if i := strings.IndexByte(tag, ','); i >= 0 {
		name, opts = tag[:i], tag[i+1:]
	}
	if name == "" {
		name = strings.ToLower(f.Name)
	}
	return name, opts
}

// isLeaf reports struct types that are single values in the config file.
func isLeaf(t reflect.Type) bool {
	return t.PkgPath() == "time" && t.Name() == "Time"
}
